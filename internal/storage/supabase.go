// Package storage persists uploaded call documents (resumes, job
// descriptions) in a Supabase bucket.
package storage

import (
	"bytes"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

type Store struct {
	client *supabase.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores data under key in the configured bucket.
func (s *Store) Upload(key, contentType string, data []byte) error {
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// UploadDocument stores a caller-supplied document under a collision-free
// key and returns that key.
func (s *Store) UploadDocument(kind, filename, contentType string, data []byte) (string, error) {
	key := fmt.Sprintf("%s/%d_%s%s", kind, time.Now().Unix(), uuid.NewString()[:8], path.Ext(filename))
	if err := s.Upload(key, contentType, data); err != nil {
		return "", err
	}
	return key, nil
}
