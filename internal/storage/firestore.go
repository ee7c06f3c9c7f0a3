package storage

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreDocs implements Documents on Cloud Firestore, the production backend.
type firestoreDocs struct {
	client *firestore.Client
}

// NewFirestore wraps an initialized Firestore client. The caller keeps ownership
// of app-level initialization (credentials, project id); Close closes the client.
func NewFirestore(client *firestore.Client) Documents {
	return &firestoreDocs{client: client}
}

func (f *firestoreDocs) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	return snap.Data(), nil
}

func (f *firestoreDocs) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if _, err := f.client.Collection(collection).Doc(id).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *firestoreDocs) Delete(ctx context.Context, collection, id string) error {
	if _, err := f.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *firestoreDocs) Where(ctx context.Context, collection, field string, value interface{}) ([]Document, error) {
	it := f.client.Collection(collection).Where(field, "==", value).Documents(ctx)
	return drain(it)
}

func (f *firestoreDocs) List(ctx context.Context, collection string) ([]Document, error) {
	return drain(f.client.Collection(collection).Documents(ctx))
}

// Mutate runs fn inside a Firestore transaction, which retries on contention.
func (f *firestoreDocs) Mutate(ctx context.Context, collection, id string, fn MutateFunc) error {
	ref := f.client.Collection(collection).Doc(id)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current map[string]interface{}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("failed to read document %s/%s: %w", collection, id, err)
		default:
			current = snap.Data()
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		return tx.Set(ref, next)
	})
}

// Ping reads a sentinel document; NotFound still proves connectivity.
func (f *firestoreDocs) Ping(ctx context.Context) error {
	_, err := f.client.Collection("_health").Doc("ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (f *firestoreDocs) Close() error {
	return f.client.Close()
}

func drain(it *firestore.DocumentIterator) ([]Document, error) {
	defer it.Stop()

	var out []Document
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate documents: %w", err)
		}
		out = append(out, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return out, nil
}
