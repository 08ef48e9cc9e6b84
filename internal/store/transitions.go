package store

import "qms/attendance-service/internal/models"

var transitionMap = map[string][]string{
	"start":    {models.StatusRegistered, models.StatusStarted, models.StatusFinalized},
	"finalize": {models.StatusStarted},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
