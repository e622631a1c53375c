package database

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/travigo/redongo/pkg/registry"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// WriteResult describes a bulk write that reached the server. Failed maps
// model indexes to the write errors that rejected them.
type WriteResult struct {
	Inserted int64
	Upserted int64
	Modified int64

	Failed map[int]error
}

type Writer interface {
	Write(ctx context.Context, application *registry.Application, models []mongo.WriteModel) (WriteResult, error)
}

// WriteFailure is a single document the server refused
type WriteFailure struct {
	Code    int
	Message string
}

func (f *WriteFailure) Error() string {
	return fmt.Sprintf("write error %d: %s", f.Code, f.Message)
}

func (f *WriteFailure) DuplicateKey() bool {
	return f.Code == 11000 || f.Code == 11001 || f.Code == 12582
}

type MongoWriter struct {
	Pool *Pool
}

func (w *MongoWriter) Write(ctx context.Context, application *registry.Application, models []mongo.WriteModel) (WriteResult, error) {
	collection, err := w.Pool.Collection(ctx, application)
	if err != nil {
		return WriteResult{}, err
	}

	result, err := collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))

	writeResult := WriteResult{}
	if result != nil {
		writeResult.Inserted = result.InsertedCount
		writeResult.Upserted = result.UpsertedCount
		writeResult.Modified = result.ModifiedCount
	}

	if err == nil {
		return writeResult, nil
	}

	var bulkException mongo.BulkWriteException
	if errors.As(err, &bulkException) && len(bulkException.WriteErrors) > 0 &&
		bulkException.WriteConcernError == nil && !hasTransientLabel(bulkException.Labels) {
		writeResult.Failed = make(map[int]error, len(bulkException.WriteErrors))
		for _, writeError := range bulkException.WriteErrors {
			writeResult.Failed[writeError.Index] = &WriteFailure{
				Code:    writeError.Code,
				Message: writeError.Message,
			}
		}

		return writeResult, nil
	}

	return writeResult, err
}

var transientLabels = []string{"RetryableWriteError", "NetworkError", "TransientTransactionError"}

func hasTransientLabel(labels []string) bool {
	for _, label := range labels {
		for _, transient := range transientLabels {
			if label == transient {
				return true
			}
		}
	}

	return false
}

// IsTransient reports whether err is worth retrying later, e.g. the
// deployment is unreachable, rather than a problem with the data
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTargetUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	var serverError mongo.ServerError
	if errors.As(err, &serverError) {
		for _, label := range transientLabels {
			if serverError.HasErrorLabel(label) {
				return true
			}
		}
	}

	var bulkException mongo.BulkWriteException
	if errors.As(err, &bulkException) && bulkException.WriteConcernError != nil {
		return true
	}

	var selectionError topology.ServerSelectionError
	return errors.As(err, &selectionError) || errors.Is(err, syscall.ECONNREFUSED)
}
