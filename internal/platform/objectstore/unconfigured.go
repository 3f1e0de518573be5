package objectstore

import (
	"context"
	"time"
)

// unconfiguredStore satisfies Store when the object-store settings are
// incomplete. Every method returns the original validation error, so
// remote-backend operations fail with a configuration error naming the
// missing variable instead of a deferred network failure.
type unconfiguredStore struct{ err error }

// Unconfigured returns a Store whose every call fails with err.
func Unconfigured(err error) Store {
	return unconfiguredStore{err: err}
}

func (s unconfiguredStore) PresignUpload(context.Context, string, time.Duration) (*PresignedPost, error) {
	return nil, s.err
}

func (s unconfiguredStore) PresignDownload(context.Context, string, time.Duration) (string, error) {
	return "", s.err
}

func (s unconfiguredStore) Stat(context.Context, string) (bool, error) {
	return false, s.err
}
