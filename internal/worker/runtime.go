// Package worker is the runtime for worker programs. A worker receives one
// batch message on its channel, applies a transform, replies exactly once,
// and terminates. Any failure produces a nonzero exit and no reply; partial
// results are never sent.
package worker

import (
	"fmt"
	"io"
	"os"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/protocol"
)

// Channel is the worker's one-shot message channel: one batch in, one reply
// out. It is passed in explicitly rather than read from process globals so
// transforms are testable in memory.
type Channel struct {
	In  io.Reader
	Out io.Writer
}

// StdioChannel returns the channel a spawned worker process actually uses.
func StdioChannel() Channel {
	return Channel{In: os.Stdin, Out: os.Stdout}
}

// Transform computes one ResultRecord per WorkItem, preserving input order.
// Returning an error fails the whole batch; there is no partial-result path.
type Transform func(items batch.WorkBatch) ([]batch.ResultRecord, error)

// Run executes one dispatch: decode the batch, transform, reply once.
// A non-nil return means no reply was written and the process must exit
// nonzero. Panics in the transform are converted to the same failure path.
func Run(ch Channel, transform Transform) error {
	msg, err := protocol.DecodeBatch(ch.In)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}

	records, err := apply(transform, msg.Items)
	if err != nil {
		return err
	}
	if len(records) != len(msg.Items) {
		return fmt.Errorf("transform produced %d records for %d items", len(records), len(msg.Items))
	}
	if records == nil {
		records = []batch.ResultRecord{}
	}

	reply := &protocol.ResultMessage{
		Kind:   protocol.KindResult,
		Status: protocol.StatusCompleted,
		Items:  records,
	}
	if err := protocol.EncodeResult(ch.Out, reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Main is the entrypoint wrapper for worker binaries: run the transform
// against stdio and terminate deliberately, nonzero on any failure.
func Main(transform Transform) {
	if err := Run(StdioChannel(), transform); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func apply(transform Transform, items batch.WorkBatch) (records []batch.ResultRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return transform(items)
}
