// Package metrics keeps cheap process-wide counters for the ops endpoints.
package metrics

import "sync/atomic"

var (
	callsIngested    int64
	transcriptsDone  int64
	customersMatched int64
	customerMisses   int64
	ordersCreated    int64
	jobsFailed       int64
)

func IncIngested() { atomic.AddInt64(&callsIngested, 1) }

func IncTranscript() { atomic.AddInt64(&transcriptsDone, 1) }

func IncMatched() { atomic.AddInt64(&customersMatched, 1) }

func IncMiss() { atomic.AddInt64(&customerMisses, 1) }

func IncOrder() { atomic.AddInt64(&ordersCreated, 1) }

func IncFailed() { atomic.AddInt64(&jobsFailed, 1) }

func Snapshot() map[string]int64 {
	return map[string]int64{
		"calls_ingested":    atomic.LoadInt64(&callsIngested),
		"transcripts_done":  atomic.LoadInt64(&transcriptsDone),
		"customers_matched": atomic.LoadInt64(&customersMatched),
		"customer_misses":   atomic.LoadInt64(&customerMisses),
		"orders_created":    atomic.LoadInt64(&ordersCreated),
		"jobs_failed":       atomic.LoadInt64(&jobsFailed),
	}
}
