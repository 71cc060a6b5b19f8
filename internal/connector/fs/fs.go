// Package fs はローカルファイルシステムをバックエンドとするストレージ/ホスティングコネクタを提供する。
// 認証は不要で、常にログイン済みとして扱う。
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/model"
)

const (
	fileIcon = "/assets/laptop.png"
	userIcon = "/assets/user.svg"

	// tempPrefix は書き込み途中のファイル/ディレクトリに付ける接頭辞。Listでは表示しない。
	tempPrefix = ".sitepress-"
)

// authenticator はファイルシステムコネクタ共通の認証実装（常に認証済み）。
type authenticator struct {
	info connector.Info
}

func (a authenticator) Info() connector.Info { return a.info }

func (a authenticator) IsAuthenticated(*model.Session) bool { return true }

func (a authenticator) AuthURL(context.Context, *model.Session, string) (string, error) {
	return "", nil
}

func (a authenticator) CompleteOAuth(context.Context, *model.Session, string, string) (string, error) {
	return "", model.NewInvalidInputError("fs.oauth", "filesystem connectors do not use OAuth")
}

func (a authenticator) Logout(context.Context, *model.Session) error { return nil }

// User はサーバープロセスの実行ユーザー名を返す。
func (a authenticator) User(context.Context, *model.Session) (*model.ConnectorUser, error) {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return &model.ConnectorUser{
		Name:    name,
		Picture: userIcon,
		Storage: a.info.ID,
	}, nil
}

// resolveRoot はディレクトリを絶対パスにし、存在しなければ作成する。
func resolveRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", abs, err)
	}
	return abs, nil
}

// safeJoin はrootからの相対パスを解決し、rootの外を指す場合はInvalidInputを返す。
// 先頭の"/"はroot基準として扱う。
func safeJoin(op, root, rel string) (string, error) {
	rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
	if rel == "" {
		return root, nil
	}
	joined := filepath.Join(root, filepath.FromSlash(rel))
	if joined != root && !strings.HasPrefix(joined, root+string(os.PathSeparator)) {
		return "", model.NewInvalidInputError(op, fmt.Sprintf("path escapes root: %s", rel))
	}
	return joined, nil
}

// mapOSError はファイル操作のエラーをConnectorErrorに変換する。
func mapOSError(op, resource string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return model.NewNotFoundError(op, resource)
	case errors.Is(err, os.ErrPermission):
		return model.NewNotAuthorizedError(op, resource)
	default:
		return model.NewInternalError(op, fmt.Errorf("%s: %w", resource, err))
	}
}

// writeFileAtomic は一時ファイルに書き込み、fsync後にrenameで置き換える。
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	success = true
	return nil
}
