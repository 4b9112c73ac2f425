package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// FileStore は利用状況をJSONファイルに保存するStore。
type FileStore struct {
	path string
}

// NewFileStore は指定パスのFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path は状態ファイルのパスを返す。
func (s *FileStore) Path() string {
	return s.path
}

// Load は状態ファイルを読み込む。ファイルが存在しない場合はゼロ値を返す。
// 内容が壊れている場合は警告を記録してゼロ値から始める。
func (s *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		slog.WarnContext(ctx, "usage state file is corrupted, starting fresh",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return State{}, nil
	}
	return state, nil
}

// Save は状態ファイルを一時ファイル経由で置き換える。
func (s *FileStore) Save(ctx context.Context, state State) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
