// Package reconcile 合并本地和远端的元素集合。
//
// 规则是 last-writer-wins：版本号大的胜出，版本号相同时 versionNonce 大的胜出。
// 合并结果只依赖 (version, versionNonce)，与消息到达顺序无关，
// 所以同一份远端快照重复应用、或两份快照以任意顺序应用，结果一致。
package reconcile

import "canvasCollab/backend/internal/scene"

// ShouldReplace 判断远端元素是否应该覆盖本地同 id 元素
func ShouldReplace(local, remote scene.Element) bool {
	if remote.Version > local.Version {
		return true
	}
	return remote.Version == local.Version && remote.VersionNonce > local.VersionNonce
}

// Elements 纯函数，不修改入参
// - 只在本地存在的元素一律保留（远端集合不保证完整）
// - 不会删除任何元素，删除通过更高版本的 isDeleted 表达
// 输出顺序：本地顺序（原位替换），然后是只在远端存在的元素（按远端顺序）
func Elements(local, remote []scene.Element) []scene.Element {
	out := make([]scene.Element, len(local), len(local)+len(remote))
	copy(out, local)

	index := make(map[string]int, len(local))
	for i, el := range out {
		index[el.ID] = i
	}

	for _, r := range remote {
		i, ok := index[r.ID]
		if !ok {
			index[r.ID] = len(out)
			out = append(out, r)
			continue
		}
		if ShouldReplace(out[i], r) {
			out[i] = r
		}
	}
	return out
}

// Snapshot 合并元素，并补齐本地缺失的文件；AppState 保持本地
func Snapshot(local, remote scene.Snapshot) scene.Snapshot {
	merged := scene.Snapshot{
		Elements: Elements(local.Elements, remote.Elements),
		AppState: local.AppState,
		Files:    make(scene.FileMap, len(local.Files)+len(remote.Files)),
	}
	for id, f := range local.Files {
		merged.Files[id] = f
	}
	for _, f := range local.Files.Missing(remote.Files) {
		merged.Files[f.ID] = f
	}
	return merged
}

// Changed 报告合并结果相对本地是否有变化，没变化时可以跳过写回
func Changed(local, merged []scene.Element) bool {
	if len(local) != len(merged) {
		return true
	}
	for i := range local {
		if local[i].ID != merged[i].ID ||
			local[i].Version != merged[i].Version ||
			local[i].VersionNonce != merged[i].VersionNonce {
			return true
		}
	}
	return false
}
