package route

import (
	"context"
	"fmt"

	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Sync 把一组配置路由写入仓库，并删除上一次同步过但这次已经不存在的 id
//
// 通过管理接口添加的路由不在 previous 中，不受影响。返回本次同步的 id，供下一次调用传入。
func Sync(ctx context.Context, repo Repository, defs []RouteDefinition, previous []string) ([]string, error) {
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := repo.Save(ctx, def); err != nil {
			return ids, fmt.Errorf("saving route %q: %w", def.ID, err)
		}
		ids = append(ids, def.ID)
	}

	stale, _ := lo.Difference(previous, ids)
	for _, id := range stale {
		if err := repo.Delete(ctx, id); err != nil && !gwerr.Is(err, gwerr.KindNotFound) {
			return ids, fmt.Errorf("deleting route %q: %w", id, err)
		}
	}
	logger.Info("Configured routes synchronized",
		zap.Int("saved", len(ids)),
		zap.Strings("removed", stale))
	return ids, nil
}
