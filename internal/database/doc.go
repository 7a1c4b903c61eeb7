// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库打开与连接池管理。

# 概述

Open 按 config.DatabaseConfig 选择方言（postgres、mysql、纯 Go 的
glebarez/sqlite），应用连接池参数并返回 PoolManager。SQL 持久化
后端通过 PoolManager 获取 *gorm.DB 并在事务中写入。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()、WithTransaction()、WithTransactionRetry()。
  - PoolConfig：最大空闲/打开连接数、生命周期与健康检查间隔。
*/
package database
