// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 budget 提供按用户的调用用量跟踪与每日限额检查。

# 概述

UsageTracker 在滚动的 24 小时窗口内统计每个用户的请求次数与费用，
调用前通过 CheckUserLimits 判断是否超限，调用后通过 TrackUsage
追加不可变的用量记录并同步到持久化存储。

# 核心接口

  - UsageTracker：用量跟踪器，维护按用户与全局的聚合。
  - Limits：请求次数与费用上限以及窗口长度。
  - LimitCheck：限额检查结果，Reason 为稳定的机器可读字符串。
  - Sink / Source：持久化写入与启动时的历史加载。

# 使用方式

	tracker := budget.NewUsageTracker(budget.DefaultLimits(), store, logger)
	if check := tracker.CheckUserLimits(userID); !check.Allowed {
	    return check.Reason
	}
	_ = tracker.TrackUsage(ctx, persistence.UsageRecord{UserID: userID, Tokens: 120})
*/
package budget
