package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/cmdexec"
	"github.com/ui-toolbox/icon-repository-sub000/internal/jobqueue"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
	"github.com/ui-toolbox/icon-repository-sub000/internal/worktree"
)

const (
	ServiceUserName  = "Icon Repository Server"
	ServiceUserEmail = "IconRepositoryServer@UIToolBox"

	gitBinary = "git"
)

// CommitCommandResolver names the git subcommand used to record a change.
type CommitCommandResolver func() string

// DefaultCommitCommand resolves to the real "commit" subcommand.
func DefaultCommitCommand() string {
	return "commit"
}

type Options struct {
	Root          string
	Runner        cmdexec.Runner
	Queue         *jobqueue.Registry
	CommitCommand CommitCommandResolver
	Logger        *slog.Logger
}

// Repository turns working-tree mutations into commits. Every operation,
// reads included, runs in the GIT lane of the queue, so at most one of them
// touches the tree or its history at any time.
type Repository struct {
	root          string
	runner        cmdexec.Runner
	queue         *jobqueue.Registry
	tree          *worktree.Tree
	commitCommand CommitCommandResolver
	logger        *slog.Logger
}

// Provide opens the repository at opts.Root, initializing it first when it has
// no .git directory.
func Provide(ctx context.Context, opts Options) (*Repository, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, apperr.Fatal("icon repository path is not configured", nil)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, apperr.Fatal("resolve icon repository path", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = cmdexec.New(opts.Logger)
	}
	if opts.Queue == nil {
		opts.Queue = jobqueue.New()
	}
	if opts.CommitCommand == nil {
		opts.CommitCommand = DefaultCommitCommand
	}

	r := &Repository{
		root:          root,
		runner:        opts.Runner,
		queue:         opts.Queue,
		tree:          worktree.NewOS(root),
		commitCommand: opts.CommitCommand,
		logger:        opts.Logger.With("component", "gitrepo"),
	}

	err = r.queue.Run(ctx, jobqueue.LaneGit, func() error {
		return r.ensureInitialized(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, apperr.Fatal("initialize icon repository", err)
	}
	return r, nil
}

func (r *Repository) Root() string {
	return r.root
}

func (r *Repository) ensureInitialized(ctx context.Context) error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("create repository dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(r.root, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat .git: %w", err)
	}

	r.logger.Info("initializing icon repository", "root", r.root)
	steps := [][]string{
		{"init"},
		{"config", "user.name", ServiceUserName},
		{"config", "user.email", ServiceUserEmail},
		{"commit", "--allow-empty", "-m", "Initialize icon repository"},
	}
	for _, args := range steps {
		if _, err := r.git(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// AddIconfile writes the iconfile into the tree and commits it.
func (r *Repository) AddIconfile(ctx context.Context, iconfile store.Iconfile, user string) error {
	return r.mutate(ctx, user, "icon file added", func() ([]string, error) {
		rel, err := r.tree.CreateIconfile(iconfile)
		if err != nil {
			return nil, err
		}
		return []string{rel}, nil
	})
}

// DeleteIconfile removes one rendition from the tree and commits the removal.
func (r *Repository) DeleteIconfile(ctx context.Context, name string, desc store.IconfileDescriptor, user string) error {
	return r.mutate(ctx, user, "icon file deleted", func() ([]string, error) {
		rel, err := r.tree.DeleteIconfile(name, desc)
		if err != nil {
			return nil, err
		}
		return []string{rel}, nil
	})
}

// UpdateIcon renames every listed rendition of oldName to newName.
func (r *Repository) UpdateIcon(ctx context.Context, oldName, newName string, descs []store.IconfileDescriptor, user string) error {
	if oldName == newName || len(descs) == 0 {
		return nil
	}
	detail := fmt.Sprintf("icon renamed from %q to %q", oldName, newName)
	return r.mutate(ctx, user, detail, func() ([]string, error) {
		return r.tree.RenameIconfiles(oldName, newName, descs)
	})
}

// DeleteIcon removes every listed rendition of the icon in a single commit.
func (r *Repository) DeleteIcon(ctx context.Context, name string, descs []store.IconfileDescriptor, user string) error {
	detail := fmt.Sprintf("all files of icon %q deleted", name)
	return r.mutate(ctx, user, detail, func() ([]string, error) {
		paths := make([]string, 0, len(descs))
		for _, desc := range descs {
			rel, err := r.tree.DeleteIconfile(name, desc)
			if err != nil {
				return paths, err
			}
			paths = append(paths, rel)
		}
		return paths, nil
	})
}

// mutate runs change, stages and commits the result in the GIT lane. On any
// failure the tree is reset to HEAD and the original error is returned.
// Neither the job nor the wait for it stops when ctx ends: the caller's
// transaction must learn whether the commit happened.
func (r *Repository) mutate(ctx context.Context, user, detail string, change func() ([]string, error)) error {
	jobCtx := context.WithoutCancel(ctx)
	return r.queue.Run(jobCtx, jobqueue.LaneGit, func() error {
		paths, err := change()
		if err == nil {
			_, err = r.git(jobCtx, "add", "-A")
		}
		if err == nil {
			_, err = r.git(jobCtx, r.commitCommand(),
				"-m", commitMessage(paths, detail, user),
				"--author="+commitAuthor(user),
			)
		}
		if err != nil {
			r.rollback(jobCtx, err)
			return classify(err)
		}
		r.logger.Info("committed", "user", user, "detail", detail, "files", paths)
		return nil
	})
}

func (r *Repository) rollback(ctx context.Context, cause error) {
	r.logger.Warn("git mutation failed, restoring working tree", "error", cause)

	if status, err := r.git(ctx, "status"); err != nil {
		r.logger.Error("git status during rollback failed", "error", err)
	} else {
		r.logger.Warn("working tree before rollback", "status", status)
	}
	if _, err := r.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		r.logger.Error("git reset during rollback failed", "error", err)
	}
	if _, err := r.git(ctx, "clean", "-qfdx"); err != nil {
		r.logger.Error("git clean during rollback failed", "error", err)
	}
}

func (r *Repository) git(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, gitBinary, args, cmdexec.Options{Dir: r.root})
}

// QueueDepth reports how many git jobs are queued or running.
func (r *Repository) QueueDepth() int {
	return r.queue.Pending(jobqueue.LaneGit)
}

// ReadIconfile returns the working-tree content of a rendition.
func (r *Repository) ReadIconfile(ctx context.Context, name string, desc store.IconfileDescriptor) ([]byte, error) {
	var content []byte
	err := r.queue.Run(ctx, jobqueue.LaneGit, func() error {
		var err error
		content, err = r.tree.ReadIconfile(name, desc)
		return err
	})
	return content, err
}

// Head returns the full SHA of HEAD.
func (r *Repository) Head(ctx context.Context) (string, error) {
	var sha string
	err := r.read(ctx, func(repo *git.Repository) error {
		ref, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		sha = ref.Hash().String()
		return nil
	})
	return sha, err
}

// IsClean reports whether the working tree has no staged, unstaged or
// untracked changes.
func (r *Repository) IsClean(ctx context.Context) (bool, error) {
	var clean bool
	err := r.read(ctx, func(repo *git.Repository) error {
		wt, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("open worktree: %w", err)
		}
		status, err := wt.Status()
		if err != nil {
			return fmt.Errorf("worktree status: %w", err)
		}
		clean = status.IsClean()
		return nil
	})
	return clean, err
}

// History returns up to limit commits reachable from HEAD, newest first.
// A limit <= 0 returns the whole history.
func (r *Repository) History(ctx context.Context, limit int) ([]store.CommitInfo, error) {
	items := make([]store.CommitInfo, 0)
	err := r.read(ctx, func(repo *git.Repository) error {
		ref, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		defer iter.Close()

		err = iter.ForEach(func(commitObj *object.Commit) error {
			items = append(items, toCommitInfo(commitObj))
			if limit > 0 && len(items) >= limit {
				return io.EOF
			}
			return nil
		})
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("iterate log: %w", err)
		}
		return nil
	})
	return items, err
}

// TrackedFiles lists the paths recorded in the HEAD commit, sorted.
func (r *Repository) TrackedFiles(ctx context.Context) ([]string, error) {
	var paths []string
	err := r.read(ctx, func(repo *git.Repository) error {
		ref, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("load HEAD commit: %w", err)
		}
		files, err := commitObj.Files()
		if err != nil {
			return fmt.Errorf("list HEAD files: %w", err)
		}
		defer files.Close()
		return files.ForEach(func(f *object.File) error {
			paths = append(paths, f.Name)
			return nil
		})
	})
	sort.Strings(paths)
	return paths, err
}

func (r *Repository) read(ctx context.Context, fn func(*git.Repository) error) error {
	return r.queue.Run(ctx, jobqueue.LaneGit, func() error {
		repo, err := git.PlainOpen(r.root)
		if err != nil {
			return fmt.Errorf("open repo: %w", err)
		}
		if err := fn(repo); err != nil {
			if errors.Is(err, plumbing.ErrReferenceNotFound) {
				return apperr.NotFoundf("icon repository has no commits")
			}
			return err
		}
		return nil
	})
}

func commitMessage(paths []string, detail, user string) string {
	return fmt.Sprintf("%s\n\n%s by %s", strings.Join(paths, "\n"), detail, user)
}

func commitAuthor(user string) string {
	return fmt.Sprintf("%s@IconRepoServer <%s>", user, user)
}

func classify(err error) error {
	var coded *apperr.Error
	if errors.As(err, &coded) {
		return err
	}
	var execErr *cmdexec.ExecError
	if errors.As(err, &execErr) {
		return apperr.ExternalCommand(fmt.Sprintf("git %s failed", firstArg(execErr.Args)), err)
	}
	return apperr.ExternalCommand("working tree mutation failed", err)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
