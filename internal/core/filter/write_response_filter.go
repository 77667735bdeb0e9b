package filter

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/pkg/util"
	"go.uber.org/zap"
)

// WriteResponseFilterOrder 最先进入、最后完成：在其余过滤器全部返回后写出响应
const WriteResponseFilterOrder = -1

var copyBuffers = util.NewBufferPool(util.DefaultBufferSize)

// WriteResponseFilter 把转发过滤器保存的后端响应写回客户端
//
// 每次读取固定大小的块并立即 flush，客户端读得慢时读取后端的速度也随之变慢。
type WriteResponseFilter struct{}

func (f *WriteResponseFilter) Order() int {
	return WriteResponseFilterOrder
}

func (f *WriteResponseFilter) Filter(ex *exchange.Exchange, chain Chain) error {
	if err := chain.Filter(ex); err != nil {
		return err
	}
	resp := ex.ClientResponse
	if resp == nil {
		return nil
	}

	out := ex.Response
	if out.Header().Get("Content-Type") == "" && ex.OriginalResponseContentType != "" {
		out.Header().Set("Content-Type", ex.OriginalResponseContentType)
	}
	if err := out.Commit(); err != nil {
		return nil
	}

	var body io.Reader = resp.BodyStream()
	if body == nil {
		body = bytes.NewReader(resp.Body())
	}

	written, err := copyWithFlush(ex, body)
	if err != nil {
		ex.Logger().Warn("Failed to stream backend response",
			zap.String("route", ex.RouteID()),
			zap.Int64("written", written),
			zap.Error(err))
		return fmt.Errorf("streaming response body: %w", err)
	}
	ex.Logger().Debug("Response body written",
		zap.String("route", ex.RouteID()),
		zap.Int64("bytes", written))
	return nil
}

func copyWithFlush(ex *exchange.Exchange, src io.Reader) (int64, error) {
	bp := copyBuffers.Get()
	defer copyBuffers.Put(bp)
	buf := *bp
	var written int64
	ctx := ex.Context()
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := ex.Response.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			ex.Response.Flush()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
