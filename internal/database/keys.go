package database

// Redis key layout. Every key is namespaced by the service so one instance can be shared.
const keyPrefix = "wagering:"

// WagerResultKey caches the placed wager for an idempotent placement.
func WagerResultKey(wagerID string) string {
	return keyPrefix + "wager:result:" + wagerID
}

// WagerLockKey guards a placement while it is in flight.
func WagerLockKey(wagerID string) string {
	return keyPrefix + "wager:lock:" + wagerID
}

// SettlementReportKey caches the latest report of a completed round.
func SettlementReportKey(roundID string) string {
	return keyPrefix + "round:report:" + roundID
}
