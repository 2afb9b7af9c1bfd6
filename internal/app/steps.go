package app

import (
	"context"

	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

// The step types below run inside the relational transaction. Returning an
// error from Apply rolls the transaction back.

type gitAddIconfile struct {
	git  gitRepository
	user string
}

func (s gitAddIconfile) Apply(ctx context.Context, iconfile store.Iconfile) error {
	return s.git.AddIconfile(ctx, iconfile, s.user)
}

// gitRenameIcon receives the descriptor as it was before the update and
// records which iconfiles it moved.
type gitRenameIcon struct {
	git     gitRepository
	newName string
	user    string
	renamed []store.IconfileDescriptor
}

func (s *gitRenameIcon) Apply(ctx context.Context, before store.IconDescriptor) error {
	if before.Name == s.newName || len(before.Iconfiles) == 0 {
		return nil
	}
	if err := s.git.UpdateIcon(ctx, before.Name, s.newName, before.Iconfiles, s.user); err != nil {
		return err
	}
	s.renamed = before.Iconfiles
	return nil
}

type gitDeleteIcon struct {
	git     gitRepository
	user    string
	deleted []store.IconfileDescriptor
}

func (s *gitDeleteIcon) Apply(ctx context.Context, desc store.IconDescriptor) error {
	if len(desc.Iconfiles) == 0 {
		return nil
	}
	if err := s.git.DeleteIcon(ctx, desc.Name, desc.Iconfiles, s.user); err != nil {
		return err
	}
	s.deleted = desc.Iconfiles
	return nil
}

type gitDeleteIconfile struct {
	git  gitRepository
	name string
	user string
}

func (s gitDeleteIconfile) Apply(ctx context.Context, desc store.IconfileDescriptor) error {
	return s.git.DeleteIconfile(ctx, s.name, desc, s.user)
}
