package app

import (
	"bytes"
	"context"
	"sort"

	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
	"github.com/ui-toolbox/icon-repository-sub000/internal/worktree"
)

type iconLister interface {
	DescribeAllIcons(context.Context) ([]store.IconDescriptor, error)
	GetIconfile(context.Context, string, store.IconfileDescriptor) ([]byte, error)
}

type trackedTree interface {
	TrackedFiles(context.Context) ([]string, error)
	IsClean(context.Context) (bool, error)
	ReadIconfile(context.Context, string, store.IconfileDescriptor) ([]byte, error)
}

// ConsistencyReport compares the iconfiles the database knows about with the
// files committed to the repository.
type ConsistencyReport struct {
	// Missing are paths the database expects but HEAD does not contain.
	Missing []string `json:"missing"`
	// Extra are committed paths without a database row.
	Extra []string `json:"extra"`
	// Mismatched are paths present on both sides with different content.
	Mismatched []string `json:"mismatched"`
	Dirty      bool     `json:"dirty"`
}

func (r ConsistencyReport) Consistent() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Mismatched) == 0 && !r.Dirty
}

type iconfileRef struct {
	name string
	desc store.IconfileDescriptor
}

func VerifyConsistency(ctx context.Context, icons iconLister, tree trackedTree) (ConsistencyReport, error) {
	descs, err := icons.DescribeAllIcons(ctx)
	if err != nil {
		return ConsistencyReport{}, err
	}
	expected := map[string]iconfileRef{}
	for _, icon := range descs {
		for _, desc := range icon.Iconfiles {
			expected[worktree.Path(icon.Name, desc)] = iconfileRef{name: icon.Name, desc: desc}
		}
	}

	tracked, err := tree.TrackedFiles(ctx)
	if err != nil {
		return ConsistencyReport{}, err
	}
	clean, err := tree.IsClean(ctx)
	if err != nil {
		return ConsistencyReport{}, err
	}

	report := ConsistencyReport{Missing: []string{}, Extra: []string{}, Mismatched: []string{}, Dirty: !clean}
	for _, path := range tracked {
		ref, ok := expected[path]
		if !ok {
			report.Extra = append(report.Extra, path)
			continue
		}
		delete(expected, path)

		same, err := sameContent(ctx, icons, tree, ref)
		if err != nil {
			return ConsistencyReport{}, err
		}
		if !same {
			report.Mismatched = append(report.Mismatched, path)
		}
	}
	for path := range expected {
		report.Missing = append(report.Missing, path)
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Extra)
	sort.Strings(report.Mismatched)
	return report, nil
}

func sameContent(ctx context.Context, icons iconLister, tree trackedTree, ref iconfileRef) (bool, error) {
	stored, err := icons.GetIconfile(ctx, ref.name, ref.desc)
	if err != nil {
		return false, err
	}
	onDisk, err := tree.ReadIconfile(ctx, ref.name, ref.desc)
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, onDisk), nil
}
