package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/descriptor"
	"seedkeeper/internal/engine"
)

const maxNameLength = 255

// namePattern rejects names that would escape the download directory.
var namePattern = regexp.MustCompile(`^[^/\\]+$`)

// Service implements the host-facing job operations. It keeps no state of
// its own; live jobs belong to the engine session.
type Service struct {
	session    engine.Session
	supervisor *Supervisor
}

// NewService creates a new job service.
func NewService(session engine.Session, supervisor *Supervisor) *Service {
	return &Service{
		session:    session,
		supervisor: supervisor,
	}
}

// Download runs one download to completion on the caller's goroutine and
// returns the record handed to the host callback.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (*CompletionRecord, error) {
	if req.Descriptor == "" {
		return nil, apperrors.Validation("descriptor", "descriptor is required")
	}
	if err := validateName("name", req.Name); err != nil {
		return nil, err
	}
	return s.supervisor.RunDownload(ctx, req)
}

// Delete removes everything the engine may have stored for a content item:
// the content file named id, the resume state and the descriptor copy. A
// descriptor that cannot be resolved means nothing was ever downloaded and is
// not an error. Missing files are skipped.
func (s *Service) Delete(ctx context.Context, id, descriptorLocation string) error {
	if err := validateName("id", id); err != nil {
		return err
	}
	logger := slog.With("component", "job", "itemId", id)

	meta, err := s.session.Inspect(ctx, descriptorLocation)
	if err != nil {
		if neverDownloaded(err) {
			logger.Info("Descriptor unavailable, nothing to delete", "descriptor", descriptorLocation, "reason", err)
			return nil
		}
		return err
	}

	err = removeAll(
		filepath.Join(s.session.DownloadDir(), id),
		meta.ResumePath,
		meta.DescriptorPath,
	)
	if err != nil {
		logger.Error("Item deletion incomplete", "error", err)
		return apperrors.Internal("job.delete", err)
	}
	logger.Info("Item deleted", "infoHash", meta.InfoHash)
	return nil
}

// QueryDescriptorSize returns the length of a descriptor's single file.
func (s *Service) QueryDescriptorSize(ctx context.Context, location string) (int64, error) {
	if location == "" {
		return 0, apperrors.Validation("location", "location is required")
	}
	meta, err := s.session.Inspect(ctx, location)
	if err != nil {
		return 0, err
	}
	file, err := meta.SingleFile()
	if err != nil {
		return 0, err
	}
	return file.Length, nil
}

func neverDownloaded(err error) bool {
	return errors.Is(err, apperrors.ErrUnrecognized) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, descriptor.ErrFetchFailed)
}

func validateName(field, name string) error {
	if name == "" {
		return apperrors.Validation(field, fmt.Sprintf("%s is required", field))
	}
	if len(name) > maxNameLength {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum length of %d", field, maxNameLength))
	}
	if !namePattern.MatchString(name) || name == "." || name == ".." {
		return apperrors.Validation(field, fmt.Sprintf("%s must be a plain file name", field))
	}
	return nil
}
