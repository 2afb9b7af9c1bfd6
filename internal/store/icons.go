package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
)

// IconRepository owns the icon, icon_file, tag and icon_to_tags rows. Every
// mutation runs in one transaction, and the optional ExternalStep runs inside
// it, after the SQL statements and before COMMIT.
type IconRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewIconRepository(db *sql.DB, logger *slog.Logger) *IconRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &IconRepository{db: db, logger: logger.With("component", "store")}
}

func (r *IconRepository) DB() *sql.DB {
	return r.db
}

func (r *IconRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *IconRepository) Close() error {
	return r.db.Close()
}

// CreateIcon inserts a new icon together with its first iconfile.
func (r *IconRepository) CreateIcon(ctx context.Context, iconfile Iconfile, user string, step ExternalStep[Iconfile]) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		var iconID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO icon (name, modified_by)
			VALUES ($1, $2)
			RETURNING id
		`, iconfile.Name, user).Scan(&iconID)
		if err != nil {
			if _, ok := uniqueConstraint(err); ok {
				return apperr.AlreadyExistsf("icon %q already exists", iconfile.Name)
			}
			return fmt.Errorf("insert icon: %w", err)
		}
		if err := insertIconfile(ctx, tx, iconID, iconfile); err != nil {
			return err
		}
		return applyStep(ctx, step, iconfile)
	})
}

// AddIconfileToIcon adds a rendition to an existing icon.
func (r *IconRepository) AddIconfileToIcon(ctx context.Context, iconfile Iconfile, user string, step ExternalStep[Iconfile]) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		iconID, err := lockIcon(ctx, tx, iconfile.Name)
		if err != nil {
			return err
		}
		if err := insertIconfile(ctx, tx, iconID, iconfile); err != nil {
			return err
		}
		if err := touchIcon(ctx, tx, iconID, user); err != nil {
			return err
		}
		return applyStep(ctx, step, iconfile)
	})
}

// UpdateIcon applies attrs to the icon named oldName. The step receives the
// descriptor as it was before the update.
func (r *IconRepository) UpdateIcon(ctx context.Context, oldName string, attrs IconAttributes, user string, step ExternalStep[IconDescriptor]) error {
	if attrs.Name == "" {
		return apperr.Validationf("icon name must not be empty")
	}
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		iconID, err := lockIcon(ctx, tx, oldName)
		if err != nil {
			return err
		}
		before, err := describeIcon(ctx, tx, oldName)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE icon SET name=$2, modified_by=$3, modified_at=NOW()
			WHERE id=$1
		`, iconID, attrs.Name, user)
		if err != nil {
			if _, ok := uniqueConstraint(err); ok {
				return apperr.AlreadyExistsf("icon %q already exists", attrs.Name)
			}
			return fmt.Errorf("rename icon: %w", err)
		}
		return applyStep(ctx, step, before)
	})
}

// DeleteIcon removes the icon, all of its iconfiles and its tag links. The
// step receives the descriptor of the deleted icon.
func (r *IconRepository) DeleteIcon(ctx context.Context, name, user string, step ExternalStep[IconDescriptor]) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		iconID, err := lockIcon(ctx, tx, name)
		if err != nil {
			return err
		}
		desc, err := describeIcon(ctx, tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM icon_file WHERE icon_id=$1`, iconID); err != nil {
			return fmt.Errorf("delete iconfiles: %w", err)
		}
		if err := removeIconRow(ctx, tx, iconID); err != nil {
			return err
		}
		r.logger.Debug("icon rows deleted", "icon", name, "user", user, "iconfiles", len(desc.Iconfiles))
		return applyStep(ctx, step, desc)
	})
}

// DeleteIconfile removes one rendition. Removing the last rendition removes
// the icon as well.
func (r *IconRepository) DeleteIconfile(ctx context.Context, name string, desc IconfileDescriptor, user string, step ExternalStep[IconfileDescriptor]) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		iconID, err := lockIcon(ctx, tx, name)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM icon_file
			WHERE icon_id=$1 AND file_format=$2 AND icon_size=$3
		`, iconID, desc.Format, desc.Size)
		if err != nil {
			return fmt.Errorf("delete iconfile: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("delete iconfile: %w", err)
		} else if n == 0 {
			return apperr.NotFoundf("iconfile %s of icon %q not found", desc, name)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM icon_file WHERE icon_id=$1`, iconID).Scan(&remaining); err != nil {
			return fmt.Errorf("count iconfiles: %w", err)
		}
		if remaining == 0 {
			if err := removeIconRow(ctx, tx, iconID); err != nil {
				return err
			}
		} else if err := touchIcon(ctx, tx, iconID, user); err != nil {
			return err
		}
		return applyStep(ctx, step, desc)
	})
}

// DescribeIcon returns the icon with its iconfiles and tags.
func (r *IconRepository) DescribeIcon(ctx context.Context, name string) (IconDescriptor, error) {
	return describeIcon(ctx, r.db, name)
}

// DescribeAllIcons returns every icon ordered by name.
func (r *IconRepository) DescribeAllIcons(ctx context.Context) ([]IconDescriptor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT i.name, i.modified_by, i.modified_at, f.file_format, f.icon_size
		FROM icon i
		LEFT JOIN icon_file f ON f.icon_id = i.id
		ORDER BY i.name, f.file_format, f.icon_size
	`)
	if err != nil {
		return nil, fmt.Errorf("list icons: %w", err)
	}
	defer rows.Close()

	items := make([]IconDescriptor, 0)
	index := map[string]int{}
	for rows.Next() {
		var (
			item         IconDescriptor
			format, size sql.NullString
		)
		if err := rows.Scan(&item.Name, &item.ModifiedBy, &item.ModifiedAt, &format, &size); err != nil {
			return nil, fmt.Errorf("scan icon: %w", err)
		}
		pos, ok := index[item.Name]
		if !ok {
			item.Iconfiles = make([]IconfileDescriptor, 0)
			item.Tags = make([]string, 0)
			items = append(items, item)
			pos = len(items) - 1
			index[item.Name] = pos
		}
		if format.Valid {
			items[pos].Iconfiles = append(items[pos].Iconfiles, IconfileDescriptor{Format: format.String, Size: size.String})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate icons: %w", err)
	}

	tagRows, err := r.db.QueryContext(ctx, `
		SELECT i.name, t.text
		FROM icon_to_tags it
		JOIN icon i ON i.id = it.icon_id
		JOIN tag t ON t.id = it.tag_id
		ORDER BY i.name, t.text
	`)
	if err != nil {
		return nil, fmt.Errorf("list icon tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var name, tag string
		if err := tagRows.Scan(&name, &tag); err != nil {
			return nil, fmt.Errorf("scan icon tag: %w", err)
		}
		if pos, ok := index[name]; ok {
			items[pos].Tags = append(items[pos].Tags, tag)
		}
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate icon tags: %w", err)
	}
	return items, nil
}

// GetIconfile returns the stored content of one rendition.
func (r *IconRepository) GetIconfile(ctx context.Context, name string, desc IconfileDescriptor) ([]byte, error) {
	var content []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT f.content
		FROM icon_file f
		JOIN icon i ON i.id = f.icon_id
		WHERE i.name=$1 AND f.file_format=$2 AND f.icon_size=$3
	`, name, desc.Format, desc.Size).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("iconfile %s of icon %q not found", desc, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read iconfile: %w", err)
	}
	return content, nil
}

// GetTags lists every tag referenced by at least one icon.
func (r *IconRepository) GetTags(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT text FROM tag ORDER BY text`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]string, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

// AddTag links tag to the icon, creating the tag when it does not exist yet.
// Adding a tag the icon already carries is a no-op.
func (r *IconRepository) AddTag(ctx context.Context, name, tag string) error {
	if tag == "" {
		return apperr.Validationf("tag must not be empty")
	}
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		iconID, err := lockIcon(ctx, tx, name)
		if err != nil {
			return err
		}
		var tagID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO tag (text) VALUES ($1)
			ON CONFLICT (text) DO UPDATE SET text=EXCLUDED.text
			RETURNING id
		`, tag).Scan(&tagID)
		if err != nil {
			return fmt.Errorf("upsert tag: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO icon_to_tags (icon_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, iconID, tagID)
		if err != nil {
			return fmt.Errorf("link tag: %w", err)
		}
		return nil
	})
}

// RemoveTag unlinks tag from the icon and returns how many icons still
// reference it. The tag row is deleted when that count reaches zero.
func (r *IconRepository) RemoveTag(ctx context.Context, name, tag string) (int, error) {
	var remaining int
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		iconID, err := lockIcon(ctx, tx, name)
		if err != nil {
			return err
		}
		var tagID int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM tag WHERE text=$1 FOR UPDATE`, tag).Scan(&tagID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFoundf("tag %q not found", tag)
		}
		if err != nil {
			return fmt.Errorf("lookup tag: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM icon_to_tags WHERE icon_id=$1 AND tag_id=$2`, iconID, tagID); err != nil {
			return fmt.Errorf("unlink tag: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM icon_to_tags WHERE tag_id=$1`, tagID).Scan(&remaining); err != nil {
			return fmt.Errorf("count tag references: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tag WHERE id=$1`, tagID); err != nil {
				return fmt.Errorf("delete tag: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func describeIcon(ctx context.Context, q queryer, name string) (IconDescriptor, error) {
	var (
		desc   IconDescriptor
		iconID int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, modified_by, modified_at FROM icon WHERE name=$1
	`, name).Scan(&iconID, &desc.Name, &desc.ModifiedBy, &desc.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IconDescriptor{}, apperr.NotFoundf("icon %q not found", name)
	}
	if err != nil {
		return IconDescriptor{}, fmt.Errorf("read icon: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT file_format, icon_size FROM icon_file
		WHERE icon_id=$1
		ORDER BY file_format, icon_size
	`, iconID)
	if err != nil {
		return IconDescriptor{}, fmt.Errorf("list iconfiles: %w", err)
	}
	desc.Iconfiles = make([]IconfileDescriptor, 0)
	for rows.Next() {
		var f IconfileDescriptor
		if err := rows.Scan(&f.Format, &f.Size); err != nil {
			rows.Close()
			return IconDescriptor{}, fmt.Errorf("scan iconfile: %w", err)
		}
		desc.Iconfiles = append(desc.Iconfiles, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return IconDescriptor{}, fmt.Errorf("iterate iconfiles: %w", err)
	}

	tagRows, err := q.QueryContext(ctx, `
		SELECT t.text FROM tag t
		JOIN icon_to_tags it ON it.tag_id = t.id
		WHERE it.icon_id=$1
	`, iconID)
	if err != nil {
		return IconDescriptor{}, fmt.Errorf("list tags of icon: %w", err)
	}
	desc.Tags = make([]string, 0)
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			tagRows.Close()
			return IconDescriptor{}, fmt.Errorf("scan tag: %w", err)
		}
		desc.Tags = append(desc.Tags, tag)
	}
	tagRows.Close()
	if err := tagRows.Err(); err != nil {
		return IconDescriptor{}, fmt.Errorf("iterate tags of icon: %w", err)
	}
	sort.Strings(desc.Tags)
	return desc, nil
}

// lockIcon takes a row lock on the named icon for the rest of the transaction.
func lockIcon(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var iconID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM icon WHERE name=$1 FOR UPDATE`, name).Scan(&iconID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NotFoundf("icon %q not found", name)
	}
	if err != nil {
		return 0, fmt.Errorf("lock icon: %w", err)
	}
	return iconID, nil
}

func insertIconfile(ctx context.Context, tx *sql.Tx, iconID int64, iconfile Iconfile) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO icon_file (icon_id, file_format, icon_size, content)
		VALUES ($1, $2, $3, $4)
	`, iconID, iconfile.Format, iconfile.Size, iconfile.Content)
	if err != nil {
		if _, ok := uniqueConstraint(err); ok {
			return apperr.AlreadyExistsf("iconfile already exists: icon %q, format %q, size %q",
				iconfile.Name, iconfile.Format, iconfile.Size).
				WithDetails(map[string]string{"name": iconfile.Name, "format": iconfile.Format, "size": iconfile.Size})
		}
		return fmt.Errorf("insert iconfile: %w", err)
	}
	return nil
}

func touchIcon(ctx context.Context, tx *sql.Tx, iconID int64, user string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE icon SET modified_by=$2, modified_at=NOW() WHERE id=$1`, iconID, user); err != nil {
		return fmt.Errorf("touch icon: %w", err)
	}
	return nil
}

// removeIconRow deletes the icon and its tag links, then drops tags that no
// icon references any more.
func removeIconRow(ctx context.Context, tx *sql.Tx, iconID int64) error {
	rows, err := tx.QueryContext(ctx, `DELETE FROM icon_to_tags WHERE icon_id=$1 RETURNING tag_id`, iconID)
	if err != nil {
		return fmt.Errorf("unlink icon tags: %w", err)
	}
	var tagIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan unlinked tag: %w", err)
		}
		tagIDs = append(tagIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate unlinked tags: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM icon WHERE id=$1`, iconID); err != nil {
		return fmt.Errorf("delete icon: %w", err)
	}

	for _, tagID := range tagIDs {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM tag t
			WHERE t.id=$1 AND NOT EXISTS (SELECT 1 FROM icon_to_tags it WHERE it.tag_id=t.id)
		`, tagID)
		if err != nil {
			return fmt.Errorf("collect unused tag: %w", err)
		}
	}
	return nil
}
