package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/InviteTracker/internal/utils"
)

// AsyncMiddleware 将请求处理提交到 Worker Pool 中执行
// 跳转请求会调用平台接口创建邀请，用协程池限制同时在途的平台调用数量。
// 队列满时阻塞等待，客户端断开则放弃排队。
func AsyncMiddleware(pool *utils.WorkerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.Next()
			return
		}

		// gin.Context 不是线程安全的，这里阻塞等待 done，同一时间只有 worker 在操作 c
		done := make(chan struct{})
		var panicked any
		task := func() {
			defer close(done)
			// 在 worker 内捕获，回到请求协程后重新抛出，交给 Recovery 中间件返回 500
			defer func() { panicked = recover() }()
			c.Next()
		}

		if err := pool.Submit(c.Request.Context(), task); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
			return
		}
		<-done
		if panicked != nil {
			panic(panicked)
		}
	}
}
