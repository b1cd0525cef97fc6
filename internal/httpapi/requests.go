package httpapi

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
)

// codeFormat is a digit followed by any number of "_digit" groups.
var codeFormat = regexp.MustCompile(`^[0-9](_[0-9])*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("uploadcode", func(fl validator.FieldLevel) bool {
		return codeFormat.MatchString(fl.Field().String())
	})
	return v
}

type createUploadRequest struct {
	Code            string                `json:"code" validate:"required,max=64,uploadcode"`
	Message         string                `json:"message" validate:"max=500"`
	ClientTimestamp *time.Time            `json:"clientTimestamp"`
	Location        *locationRequest      `json:"location" validate:"omitempty"`
	PhotoMetadata   *photoMetadataRequest `json:"photoMetadata" validate:"omitempty"`
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy  float64  `json:"accuracy" validate:"gte=0"`
	Timestamp int64    `json:"timestamp" validate:"gte=0"`
}

type photoMetadataRequest struct {
	LastModified int64  `json:"lastModified"`
	Name         string `json:"name" validate:"max=255"`
	// Size is capped at 10 MiB.
	Size int64  `json:"size" validate:"gte=0,lte=10485760"`
	Type string `json:"type" validate:"omitempty,oneof=image/png image/jpeg image/webp"`
}

type createUploadResponse struct {
	Upload dotpaths.UploadRecord `json:"upload"`
	// ObjectPrefix is the folder the photo object must be written under.
	ObjectPrefix string `json:"objectPrefix"`
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "uploadcode":
			parts = append(parts, "invalid code format")
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func (req createUploadRequest) record(now time.Time) dotpaths.UploadRecord {
	rec := dotpaths.UploadRecord{
		Code:      req.Code,
		Status:    dotpaths.StatusPending,
		Message:   req.Message,
		CreatedAt: now.UTC(),
	}
	if req.ClientTimestamp != nil {
		rec.ClientTimestamp = req.ClientTimestamp.UTC()
	}
	if req.Location != nil {
		ts := req.Location.Timestamp
		if ts == 0 {
			ts = now.UnixMilli()
		}
		rec.Location = &dotpaths.Location{
			Latitude:  *req.Location.Latitude,
			Longitude: *req.Location.Longitude,
			Accuracy:  req.Location.Accuracy,
			Timestamp: ts,
		}
	}
	if req.PhotoMetadata != nil {
		rec.PhotoMetadata = &dotpaths.PhotoMetadata{
			LastModified: req.PhotoMetadata.LastModified,
			Name:         req.PhotoMetadata.Name,
			Size:         req.PhotoMetadata.Size,
			Type:         req.PhotoMetadata.Type,
		}
	}
	return rec
}
