package dns

// refreshable 支持过期检查和后台刷新的数据源（规则和本地域）
type refreshable interface {
	Refresh()
	Stale() bool
}

// sweepRefresh 每次查询处理完后的顺带检查：过期的数据源派一个
// 后台协程刷新，不等待结果。数据源自己的更新标记保证同一时刻
// 至多一个刷新在跑，期间查询继续用旧快照。
func sweepRefresh(items []refreshable) {
	for _, it := range items {
		if it.Stale() {
			go it.Refresh()
		}
	}
}

// forceRefresh 忽略过期检查，全部数据源后台刷新一遍。
// 收到 SIGHUP 或管理接口触发时使用。
func forceRefresh(items []refreshable) {
	for _, it := range items {
		go it.Refresh()
	}
}
