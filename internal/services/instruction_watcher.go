package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"chatrelay/internal/models"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// instructionFile is the on-disk seed format:
//
//	instructions:
//	  - id: tone
//	    content: Answer in plain language.
//	  - content: https://example.com/policy
//	    content_type: url
//	    source_url: https://example.com/policy
type instructionFile struct {
	Instructions []models.Instruction `yaml:"instructions"`
}

// ParseInstructionFile decodes a YAML instruction seed file. The list order is
// kept: the first entry is treated as the oldest.
func ParseInstructionFile(data []byte) ([]models.Instruction, error) {
	var file instructionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid instruction file: %w", err)
	}

	// entries without timestamps get distinct creation times in list order
	base := time.Now().UTC().Add(-time.Duration(len(file.Instructions)) * time.Millisecond)
	for i := range file.Instructions {
		if file.Instructions[i].CreatedAt.IsZero() {
			file.Instructions[i].CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		}
	}
	return file.Instructions, nil
}

// InstructionFileWatcher seeds the global instruction set from a YAML file and
// reloads it whenever the file changes
type InstructionFileWatcher struct {
	path     string
	service  *InstructionService
	debounce time.Duration
}

// NewInstructionFileWatcher creates a watcher for path
func NewInstructionFileWatcher(path string, service *InstructionService) *InstructionFileWatcher {
	return &InstructionFileWatcher{
		path:     path,
		service:  service,
		debounce: 500 * time.Millisecond,
	}
}

// Load reads the file and replaces the instruction set
func (w *InstructionFileWatcher) Load(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.path, err)
	}
	insts, err := ParseInstructionFile(data)
	if err != nil {
		return err
	}
	return w.service.ReplaceAll(ctx, insts)
}

// Run watches the file until ctx is cancelled
func (w *InstructionFileWatcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(w.path)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", w.path, err)
		return
	}

	// Watch the directory containing the file (editors replace files on save)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		return
	}

	log.Printf("👁️  Watching %s for instruction changes", w.path)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				log.Printf("🔄 Detected changes in %s, reloading instructions...", w.path)
				if err := w.Load(ctx); err != nil {
					log.Printf("❌ Failed to reload instructions: %v", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
