package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/imageprobe"
	"github.com/ui-toolbox/icon-repository-sub000/internal/search"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

type iconStore interface {
	CreateIcon(context.Context, store.Iconfile, string, store.ExternalStep[store.Iconfile]) error
	AddIconfileToIcon(context.Context, store.Iconfile, string, store.ExternalStep[store.Iconfile]) error
	UpdateIcon(context.Context, string, store.IconAttributes, string, store.ExternalStep[store.IconDescriptor]) error
	DeleteIcon(context.Context, string, string, store.ExternalStep[store.IconDescriptor]) error
	DeleteIconfile(context.Context, string, store.IconfileDescriptor, string, store.ExternalStep[store.IconfileDescriptor]) error
	DescribeIcon(context.Context, string) (store.IconDescriptor, error)
	DescribeAllIcons(context.Context) ([]store.IconDescriptor, error)
	GetIconfile(context.Context, string, store.IconfileDescriptor) ([]byte, error)
	GetTags(context.Context) ([]string, error)
	AddTag(context.Context, string, string) error
	RemoveTag(context.Context, string, string) (int, error)
	Ping(context.Context) error
	Close() error
}

type gitRepository interface {
	AddIconfile(context.Context, store.Iconfile, string) error
	DeleteIconfile(context.Context, string, store.IconfileDescriptor, string) error
	UpdateIcon(context.Context, string, string, []store.IconfileDescriptor, string) error
	DeleteIcon(context.Context, string, []store.IconfileDescriptor, string) error
	History(context.Context, int) ([]store.CommitInfo, error)
	QueueDepth() int
}

type prober interface {
	Probe([]byte) (imageprobe.Metadata, error)
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexIcon(store.IconDescriptor)
	RemoveIcon(string)
}

type blobMirror interface {
	Put(context.Context, store.Iconfile) error
	Remove(context.Context, string, store.IconfileDescriptor) error
	Rename(context.Context, string, string, []store.IconfileDescriptor) error
}

type Options struct {
	Store  iconStore
	Git    gitRepository
	Prober prober
	Search searchIndex
	Mirror blobMirror
	Logger *slog.Logger
}

// IconService pairs every relational mutation with the matching git
// mutation. The git mutation runs as the external step of the relational
// transaction, so a git failure leaves no rows behind.
//
// Mutations detach from the caller's cancellation once they start. A caller
// that gives up still gets both stores changed, or neither.
type IconService struct {
	store  iconStore
	git    gitRepository
	prober prober
	search searchIndex
	mirror blobMirror
	logger *slog.Logger
}

func NewIconService(opts Options) *IconService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prober == nil {
		opts.Prober = imageprobe.New()
	}
	return &IconService{
		store:  opts.Store,
		git:    opts.Git,
		prober: opts.Prober,
		search: opts.Search,
		mirror: opts.Mirror,
		logger: opts.Logger.With("component", "icon-service"),
	}
}

func (s *IconService) DescribeAllIcons(ctx context.Context) ([]store.IconDescriptor, error) {
	return s.store.DescribeAllIcons(ctx)
}

func (s *IconService) DescribeIcon(ctx context.Context, name string) (store.IconDescriptor, error) {
	return s.store.DescribeIcon(ctx, name)
}

func (s *IconService) GetIconfile(ctx context.Context, name string, desc store.IconfileDescriptor) ([]byte, error) {
	return s.store.GetIconfile(ctx, name, desc)
}

// CreateIcon probes content for its format and size and creates the icon
// with it as the first iconfile.
func (s *IconService) CreateIcon(ctx context.Context, name string, content []byte, user string) (store.IconfileDescriptor, error) {
	ctx = context.WithoutCancel(ctx)
	iconfile, err := s.probedIconfile(name, content)
	if err != nil {
		return store.IconfileDescriptor{}, err
	}
	if err := s.store.CreateIcon(ctx, iconfile, user, gitAddIconfile{git: s.git, user: user}); err != nil {
		return store.IconfileDescriptor{}, err
	}
	s.logger.Info("icon created", "icon", name, "iconfile", iconfile.IconfileDescriptor.String(), "user", user)
	s.afterAdd(ctx, iconfile)
	return iconfile.IconfileDescriptor, nil
}

// IngestIconfile probes content and adds it to an existing icon.
func (s *IconService) IngestIconfile(ctx context.Context, name string, content []byte, user string) (store.IconfileDescriptor, error) {
	iconfile, err := s.probedIconfile(name, content)
	if err != nil {
		return store.IconfileDescriptor{}, err
	}
	if err := s.AddIconfile(ctx, iconfile, user); err != nil {
		return store.IconfileDescriptor{}, err
	}
	return iconfile.IconfileDescriptor, nil
}

// AddIconfile adds a rendition whose format and size the caller states.
func (s *IconService) AddIconfile(ctx context.Context, iconfile store.Iconfile, user string) error {
	ctx = context.WithoutCancel(ctx)
	if err := validateName(iconfile.Name); err != nil {
		return err
	}
	if len(iconfile.Content) == 0 {
		return apperr.Validationf("iconfile content is empty")
	}
	if err := s.store.AddIconfileToIcon(ctx, iconfile, user, gitAddIconfile{git: s.git, user: user}); err != nil {
		return err
	}
	s.logger.Info("iconfile added", "icon", iconfile.Name, "iconfile", iconfile.IconfileDescriptor.String(), "user", user)
	s.afterAdd(ctx, iconfile)
	return nil
}

func (s *IconService) UpdateIcon(ctx context.Context, oldName string, attrs store.IconAttributes, user string) error {
	ctx = context.WithoutCancel(ctx)
	if err := validateName(attrs.Name); err != nil {
		return err
	}
	step := &gitRenameIcon{git: s.git, newName: attrs.Name, user: user}
	if err := s.store.UpdateIcon(ctx, oldName, attrs, user, step); err != nil {
		return err
	}
	s.logger.Info("icon updated", "icon", oldName, "name", attrs.Name, "user", user)

	if oldName != attrs.Name {
		s.notifySearchRemoved(oldName)
		if s.mirror != nil {
			if err := s.mirror.Rename(ctx, oldName, attrs.Name, step.renamed); err != nil {
				s.logger.Warn("mirror rename failed", "icon", oldName, "name", attrs.Name, "error", err)
			}
		}
	}
	s.refreshSearch(ctx, attrs.Name)
	return nil
}

func (s *IconService) DeleteIcon(ctx context.Context, name, user string) error {
	ctx = context.WithoutCancel(ctx)
	step := &gitDeleteIcon{git: s.git, user: user}
	if err := s.store.DeleteIcon(ctx, name, user, step); err != nil {
		return err
	}
	s.logger.Info("icon deleted", "icon", name, "user", user)

	s.notifySearchRemoved(name)
	if s.mirror != nil {
		for _, desc := range step.deleted {
			if err := s.mirror.Remove(ctx, name, desc); err != nil {
				s.logger.Warn("mirror remove failed", "icon", name, "iconfile", desc.String(), "error", err)
			}
		}
	}
	return nil
}

func (s *IconService) DeleteIconfile(ctx context.Context, name string, desc store.IconfileDescriptor, user string) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.DeleteIconfile(ctx, name, desc, user, gitDeleteIconfile{git: s.git, name: name, user: user}); err != nil {
		return err
	}
	s.logger.Info("iconfile deleted", "icon", name, "iconfile", desc.String(), "user", user)

	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, name, desc); err != nil {
			s.logger.Warn("mirror remove failed", "icon", name, "iconfile", desc.String(), "error", err)
		}
	}
	s.refreshSearch(ctx, name)
	return nil
}

func (s *IconService) GetTags(ctx context.Context) ([]string, error) {
	return s.store.GetTags(ctx)
}

func (s *IconService) AddTag(ctx context.Context, name, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return apperr.Validationf("tag must not be empty")
	}
	if err := s.store.AddTag(ctx, name, tag); err != nil {
		return err
	}
	s.refreshSearch(ctx, name)
	return nil
}

// RemoveTag returns the number of icons still carrying tag.
func (s *IconService) RemoveTag(ctx context.Context, name, tag string) (int, error) {
	remaining, err := s.store.RemoveTag(ctx, name, tag)
	if err != nil {
		return 0, err
	}
	s.refreshSearch(ctx, name)
	return remaining, nil
}

func (s *IconService) History(ctx context.Context, limit int) ([]store.CommitInfo, error) {
	return s.git.History(ctx, limit)
}

func (s *IconService) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.Search(q)
}

func (s *IconService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GitQueueDepth reports the git jobs queued or running.
func (s *IconService) GitQueueDepth() int {
	return s.git.QueueDepth()
}

// Release closes the database pool.
func (s *IconService) Release() error {
	return s.store.Close()
}

func (s *IconService) probedIconfile(name string, content []byte) (store.Iconfile, error) {
	if err := validateName(name); err != nil {
		return store.Iconfile{}, err
	}
	meta, err := s.prober.Probe(content)
	if err != nil {
		return store.Iconfile{}, err
	}
	return store.Iconfile{Name: name, IconfileDescriptor: meta.Descriptor(), Content: content}, nil
}

func (s *IconService) afterAdd(ctx context.Context, iconfile store.Iconfile) {
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, iconfile); err != nil {
			s.logger.Warn("mirror put failed", "icon", iconfile.Name, "iconfile", iconfile.IconfileDescriptor.String(), "error", err)
		}
	}
	s.refreshSearch(ctx, iconfile.Name)
}

// refreshSearch re-reads the icon and pushes it to the search index. An icon
// that no longer exists is removed from the index instead.
func (s *IconService) refreshSearch(ctx context.Context, name string) {
	if s.search == nil {
		return
	}
	desc, err := s.store.DescribeIcon(ctx, name)
	if errors.Is(err, apperr.ErrNotFound) {
		s.search.RemoveIcon(name)
		return
	}
	if err != nil {
		s.logger.Warn("describe icon for search index", "icon", name, "error", err)
		return
	}
	s.search.IndexIcon(desc)
}

func (s *IconService) notifySearchRemoved(name string) {
	if s.search != nil {
		s.search.RemoveIcon(name)
	}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validationf("icon name must not be empty")
	}
	return nil
}
