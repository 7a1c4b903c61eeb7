// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 artifacts 导出完成工作流的产物，实现 workflow.ArtifactSink。

FileSink 将每个工作流的产物写入 <base>/<workflow_id>/ 目录，并维护
manifest.json 记录文件名、生成者、步骤、大小与 sha256 校验和。
重复导出同名产物会覆盖文件并更新清单条目。文件名会被清洗，
不能逃逸出工作流目录。
*/
package artifacts
