package services

import "time"

// Clock 返回当前时间，测试中替换为固定时钟
type Clock func() time.Time

// SystemClock 统一使用 UTC，存储层按字符串比较时间时格式保持一致
func SystemClock() time.Time {
	return time.Now().UTC()
}

func daysDuration(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
