// order-processor is the reference worker: it marks every order in the
// batch as processed. Build it in place so the manifest entrypoint resolves:
//
//	go build -o workers/order-processor/order-processor ./workers/order-processor
package main

import (
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/worker"
)

func main() {
	worker.Main(processOrders)
}

func processOrders(items batch.WorkBatch) ([]batch.ResultRecord, error) {
	now := time.Now().UTC()
	records := make([]batch.ResultRecord, 0, len(items))
	for _, item := range items {
		records = append(records, batch.ResultRecord{
			OrderID:   item.OrderID,
			Status:    batch.StatusProcessed,
			Timestamp: now,
		})
	}
	return records, nil
}
