// Package history versions a dataset's table snapshots in git.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// maxHistory caps History results.
const maxHistory = 1000

// Author identifies who made a change.
type Author struct {
	Name  string
	Email string
}

// Commit is one entry of a file's history.
type Commit struct {
	Hash       string
	Message    string
	Body       string
	Author     string
	AuthorDate time.Time
}

// Repo is a git repository rooted at a dataset directory. It is safe for
// concurrent use.
type Repo struct {
	defaultName  string
	defaultEmail string
	repo         *gogit.Repository
	mu           sync.Mutex
}

// Open opens the repository at dir, initializing one with the given default
// identity when none exists.
func Open(dir, defaultName, defaultEmail string) (*Repo, error) {
	repo, err := gogit.PlainOpen(dir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		if repo, err = gogit.PlainInit(dir, false); err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = defaultName
		cfg.User.Email = defaultEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open git repo: %w", err)
	}
	return &Repo{
		defaultName:  defaultName,
		defaultEmail: defaultEmail,
		repo:         repo,
	}, nil
}

// CommitTx runs fn while holding the repository lock, stages the files it
// returns (relative to the repository root) and commits them. Nothing is
// committed when fn fails, returns no files, or the files did not change.
func (r *Repo) CommitTx(ctx context.Context, author Author, fn func() (msg string, files []string, err error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, files, err := fn()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	for _, f := range files {
		if _, err := w.Add(f); err != nil {
			return fmt.Errorf("failed to stage %s: %w", f, err)
		}
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	// The dataset holds untracked files, so only the staged ones matter.
	staged := false
	for _, f := range files {
		if s, ok := status[filepath.ToSlash(f)]; ok && s.Staging != gogit.Unmodified && s.Staging != gogit.Untracked {
			staged = true
		}
	}
	if !staged {
		return nil
	}

	name := author.Name
	email := author.Email
	if name == "" {
		name = r.defaultName
	}
	if email == "" {
		email = r.defaultEmail
	}
	now := time.Now()
	_, err = w.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: name, Email: email, When: now},
		Committer: &object.Signature{
			Name:  r.defaultName,
			Email: r.defaultEmail,
			When:  now,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// History returns the commits touching p, newest first, limited to n
// commits. n is capped at 1000; n <= 0 means the cap. A repository without
// commits has no history.
func (r *Repo) History(ctx context.Context, p string, n int) ([]*Commit, error) {
	if n <= 0 || n > maxHistory {
		n = maxHistory
	}
	opts := &gogit.LogOptions{}
	if p != "" && p != "." {
		opts.FileName = &p
	}
	iter, err := r.repo.Log(opts)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var commits []*Commit
	for range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}
		subject, body, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, &Commit{
			Hash:       c.Hash.String(),
			Message:    subject,
			Body:       strings.TrimSpace(body),
			Author:     c.Author.Name,
			AuthorDate: c.Author.When,
		})
	}
	return commits, nil
}

// FileAt returns the content of p at a commit. hash may be "HEAD".
func (r *Repo) FileAt(_ context.Context, hash, p string) ([]byte, error) {
	f, err := r.file(hash, p)
	if err != nil {
		return nil, err
	}
	return readFile(f)
}

// SnapshotAt returns the content p pointed to at a commit, following one
// level of symbolic link as written by the backup store.
func (r *Repo) SnapshotAt(_ context.Context, hash, p string) ([]byte, error) {
	f, err := r.file(hash, p)
	if err != nil {
		return nil, err
	}
	if f.Mode != filemode.Symlink {
		return readFile(f)
	}
	target, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read link %s: %w", p, err)
	}
	if path.IsAbs(target) {
		return nil, fmt.Errorf("link %s has absolute target %s", p, target)
	}
	resolved := path.Join(path.Dir(p), target)
	f, err = r.file(hash, resolved)
	if err != nil {
		return nil, err
	}
	return readFile(f)
}

func (r *Repo) file(hash, p string) (*object.File, error) {
	h := plumbing.NewHash(hash)
	if hash == "HEAD" {
		ref, err := r.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		h = ref.Hash()
	}
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", hash, err)
	}
	f, err := c.File(p)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s at %s: %w", p, hash, err)
	}
	return f, nil
}

func readFile(f *object.File) ([]byte, error) {
	reader, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}
