// Package file provides file-based persistence implementation for workflows, enrollments and leads.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/leadflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
//
// Every repository shares one lock, so read-check-write sequences such as
// enroll-if-absent and the enrollment compare-and-swap updates are atomic
// within a process. The store is not meant to be shared across processes.
type Persistence struct {
	root  string
	store *store

	workflowRepo   *WorkflowRepository
	enrollmentRepo *EnrollmentRepository
	leadRepo       *LeadRepository
	senderRepo     *SenderRepository
	emailSendRepo  *EmailSendRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	s := &store{root: cleanRoot}

	return &Persistence{
		root:           cleanRoot,
		store:          s,
		workflowRepo:   &WorkflowRepository{store: s},
		enrollmentRepo: &EnrollmentRepository{store: s},
		leadRepo:       &LeadRepository{store: s},
		senderRepo:     &SenderRepository{store: s},
		emailSendRepo:  &EmailSendRepository{store: s},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) EnrollmentRepository() persistence.EnrollmentRepository {
	return fp.enrollmentRepo
}

func (fp *Persistence) LeadRepository() persistence.LeadRepository {
	return fp.leadRepo
}

func (fp *Persistence) SenderRepository() persistence.SenderRepository {
	return fp.senderRepo
}

func (fp *Persistence) EmailSendRepository() persistence.EmailSendRepository {
	return fp.emailSendRepo
}

// store keeps one JSON document per entity under root/<kind>/.
type store struct {
	root string
	mu   sync.Mutex
}

func (s *store) path(kind, id string) string {
	return filepath.Join(s.root, kind, url.PathEscape(id)+".json")
}

// read loads the document into v and reports whether it exists.
func (s *store) read(kind, id string, v any) (bool, error) {
	body, err := os.ReadFile(s.path(kind, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s %s: %w", kind, id, err)
	}

	err = json.Unmarshal(body, v)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s %s: %w", kind, id, err)
	}

	return true, nil
}

// write replaces the document through a temp file and a rename, so a reader
// never observes a partially written document.
func (s *store) write(kind, id string, v any) error {
	dir := filepath.Join(s.root, kind)

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s %s: %w", kind, id, err)
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s %s: %w", kind, id, err)
	}

	err = os.Rename(tmp.Name(), s.path(kind, id))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace %s %s: %w", kind, id, err)
	}

	return nil
}

func (s *store) remove(kind, id string) (bool, error) {
	err := os.Remove(s.path(kind, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}

	return true, nil
}

// readAll loads every document of kind. Leftover temp files are ignored.
func readAll[T any](s *store, kind string) ([]*T, error) {
	files, err := fs.Glob(os.DirFS(filepath.Join(s.root, kind)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s files: %w", kind, err)
	}

	items := make([]*T, 0, len(files))

	for _, file := range files {
		id, err := url.PathUnescape(strings.TrimSuffix(file, ".json"))
		if err != nil {
			continue
		}

		var item T

		found, err := s.read(kind, id, &item)
		if err != nil {
			return nil, err
		}

		if found {
			items = append(items, &item)
		}
	}

	return items, nil
}
