package dotpaths

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/metrics"
)

type VerifyResult struct {
	UploadID    string       `json:"uploadId"`
	Dot         string       `json:"dot"`
	Location    Location     `json:"location"`
	Synthesized bool         `json:"synthesized"`
	Record      UploadRecord `json:"record"`
}

// UploadVerifier finalizes an upload once its photo object lands in storage.
type UploadVerifier struct {
	uploads  UploadStore
	codes    CodeResolver
	paths    *PathAggregator
	fallback *FallbackSynthesizer
	logger   zerolog.Logger
}

func NewUploadVerifier(uploads UploadStore, codes CodeResolver, paths *PathAggregator, fallback *FallbackSynthesizer, logger *zerolog.Logger) *UploadVerifier {
	v := &UploadVerifier{
		uploads:  uploads,
		codes:    codes,
		paths:    paths,
		fallback: fallback,
		logger:   logging.Component("verifier"),
	}
	if logger != nil {
		v.logger = *logger
	}
	if v.fallback == nil {
		v.fallback = NewFallbackSynthesizer(FallbackOptions{})
	}
	return v
}

// UploadIDFromObjectPath returns the parent segment of an "<uploadId>/<filename>" object path.
func UploadIDFromObjectPath(objectPath string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(objectPath))
	dir := path.Dir(clean)
	if dir == "/" {
		return "", InvalidInputError("object path %q has no upload folder", objectPath)
	}
	return path.Base(dir), nil
}

func (v *UploadVerifier) Verify(ctx context.Context, n FinalizeNotification) (VerifyResult, error) {
	result, err := v.verify(ctx, n)
	metrics.VerifierOutcomes.WithLabelValues(verifyOutcome(err)).Inc()
	return result, err
}

func (v *UploadVerifier) verify(ctx context.Context, n FinalizeNotification) (VerifyResult, error) {
	id, err := UploadIDFromObjectPath(n.ObjectPath)
	if err != nil {
		return VerifyResult{}, err
	}
	log := logging.Ctx(ctx, v.logger).With().Str("upload_id", id).Str("object_path", n.ObjectPath).Logger()

	rec, err := v.uploads.GetUpload(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Msg("upload record for finalized object not found")
		}
		return VerifyResult{}, err
	}
	if rec.Status != StatusPending {
		log.Info().Str("status", string(rec.Status)).Msg("upload already processed, skipping")
		return VerifyResult{}, NotPendingError(id, rec.Status)
	}

	dot, err := v.codes.Resolve(ctx, rec.Code)
	if err != nil {
		log.Warn().Err(err).Msg("upload code did not resolve")
		return VerifyResult{}, err
	}

	result := VerifyResult{UploadID: id, Dot: DotKey(dot)}
	var timestamp int64
	if rec.Location != nil {
		result.Location = *rec.Location
		timestamp = rec.CreatedAt.UnixMilli()
		if rec.CreatedAt.IsZero() {
			timestamp = rec.Location.Timestamp
		}
	} else {
		prev, err := v.paths.LastPoint(ctx, dot)
		if err != nil {
			return VerifyResult{}, err
		}
		loc := v.fallback.Synthesize(prev)
		if _, _, err := v.uploads.UpdateUpload(ctx, id, func(r *UploadRecord) error {
			if r.Status != StatusPending {
				return NotPendingError(id, r.Status)
			}
			l := loc
			r.Location = &l
			return nil
		}); err != nil {
			return VerifyResult{}, err
		}
		result.Location = loc
		result.Synthesized = true
		timestamp = loc.Timestamp
		log.Info().Float64("accuracy", loc.Accuracy).Msg("synthesized fallback location")
	}

	if _, err := v.paths.Append(ctx, dot, result.Location.Latitude, result.Location.Longitude, timestamp, id); err != nil {
		log.Error().Err(err).Msg("path append failed")
		return VerifyResult{}, err
	}

	_, after, err := v.uploads.UpdateUpload(ctx, id, func(r *UploadRecord) error {
		if r.Status != StatusPending {
			return NotPendingError(id, r.Status)
		}
		d := dot
		r.Status = StatusDone
		r.PhotoURL = n.MediaLink
		r.PhotoID = n.ObjectID
		r.PhotoName = n.ObjectPath
		r.DotNum = &d
		return nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	result.Record = after
	log.Info().Str("dot", result.Dot).Bool("synthesized", result.Synthesized).Msg("upload verified")
	return result, nil
}

func verifyOutcome(err error) string {
	if err == nil {
		return "done"
	}
	switch KindOf(err) {
	case KindNotPending:
		return "not_pending"
	case KindCodeNotFound:
		return "code_not_found"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid"
	default:
		return "error"
	}
}
