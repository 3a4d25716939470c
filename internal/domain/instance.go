package domain

import (
	"strconv"
	"strings"
)

// InstanceKey возвращает ключ параллельного экземпляра узла: "{nodeId}_{i}".
//
// Один и тот же логический узел в fan-out получает ровно N ключей
// с индексами 0..N-1.
func InstanceKey(nodeID string, index int) string {
	return nodeID + "_" + strconv.Itoa(index)
}

// SplitInstanceKey разбирает ключ экземпляра на логический ID и индекс.
//
// Возвращает ok=false, если у ключа нет числового суффикса.
// Суффикс берётся после последнего "_", поэтому ID узлов с "_" разбираются корректно:
// "fetch_user_3" → ("fetch_user", 3).
func SplitInstanceKey(key string) (nodeID string, index int, ok bool) {
	pos := strings.LastIndexByte(key, '_')
	if pos <= 0 || pos == len(key)-1 {
		return "", 0, false
	}
	suffix := key[pos+1:]
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return "", 0, false
		}
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return "", 0, false
	}
	return key[:pos], n, true
}

// StateKey возвращает ключ записи NodeState для узла:
// ключ экземпляра при index >= 0, иначе сам ID узла.
func StateKey(nodeID string, index int) string {
	if index < 0 {
		return nodeID
	}
	return InstanceKey(nodeID, index)
}
