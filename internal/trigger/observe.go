package trigger

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/logging"
)

// Publisher is the part of Dispatcher the store observer needs. Deliver must
// not wait for queue room: the observer runs inside dispatcher workers.
type Publisher interface {
	Deliver(ctx context.Context, kind string, payload any) (Envelope, error)
}

// ObservedStore emits an upload.written envelope for every committed change
// to the uploads collection. Other collections pass straight through.
type ObservedStore struct {
	dotpaths.Store
	pub Publisher
	log zerolog.Logger
}

func ObserveUploads(store dotpaths.Store, pub Publisher) *ObservedStore {
	return &ObservedStore{Store: store, pub: pub, log: logging.Component("observer")}
}

func (s *ObservedStore) CreateUpload(ctx context.Context, rec dotpaths.UploadRecord) (dotpaths.UploadRecord, error) {
	created, err := s.Store.CreateUpload(ctx, rec)
	if err != nil {
		return created, err
	}
	after := created.Clone()
	s.emit(ctx, dotpaths.UploadChange{UploadID: created.ID, After: &after})
	return created, nil
}

func (s *ObservedStore) UpdateUpload(ctx context.Context, id string, mutate func(*dotpaths.UploadRecord) error) (dotpaths.UploadRecord, dotpaths.UploadRecord, error) {
	before, after, err := s.Store.UpdateUpload(ctx, id, mutate)
	if err != nil {
		return before, after, err
	}
	b, a := before.Clone(), after.Clone()
	s.emit(ctx, dotpaths.UploadChange{UploadID: id, Before: &b, After: &a})
	return before, after, nil
}

func (s *ObservedStore) DeleteUpload(ctx context.Context, id string) (dotpaths.UploadRecord, error) {
	deleted, err := s.Store.DeleteUpload(ctx, id)
	if err != nil {
		return deleted, err
	}
	b := deleted.Clone()
	s.emit(ctx, dotpaths.UploadChange{UploadID: id, Before: &b})
	return deleted, nil
}

func (s *ObservedStore) DeleteUploadIf(ctx context.Context, id string, pred func(dotpaths.UploadRecord) bool) (dotpaths.UploadRecord, bool, error) {
	rec, deleted, err := s.Store.DeleteUploadIf(ctx, id, pred)
	if err != nil || !deleted {
		return rec, deleted, err
	}
	b := rec.Clone()
	s.emit(ctx, dotpaths.UploadChange{UploadID: id, Before: &b})
	return rec, true, nil
}

// DeleteBatch reads upload records before deleting so the change feed carries
// their prior state. Keys already gone produce no event.
func (s *ObservedStore) DeleteBatch(ctx context.Context, collection string, keys []string) error {
	if collection != dotpaths.CollectionUploads {
		return s.Store.DeleteBatch(ctx, collection, keys)
	}
	before := make([]dotpaths.UploadRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Store.GetUpload(ctx, key)
		if err != nil {
			continue
		}
		before = append(before, rec)
	}
	if err := s.Store.DeleteBatch(ctx, collection, keys); err != nil {
		return err
	}
	for i := range before {
		b := before[i]
		s.emit(ctx, dotpaths.UploadChange{UploadID: b.ID, Before: &b})
	}
	return nil
}

func (s *ObservedStore) emit(ctx context.Context, change dotpaths.UploadChange) {
	if s.pub == nil {
		return
	}
	if _, err := s.pub.Deliver(ctx, KindUploadWritten, change); err != nil {
		logging.Ctx(ctx, s.log).Error().Err(err).Str("upload_id", change.UploadID).Msg("upload change not applied")
	}
}
