package importer

import (
	"context"
	"strings"

	"site-snapshot/internal/database"
	"site-snapshot/internal/exporter"
)

// RestoredTable describes a table whose last statement was replayed
type RestoredTable struct {
	Source       string
	Final        string
	SourcePrefix string
	DestPrefix   string
	Header       exporter.Header
}

// TableHook runs once for every restored table, after it reached its final name
type TableHook func(ctx context.Context, db database.Execer, t RestoredTable) error

// uploadPathOption holds an absolute filesystem path on the source host
const uploadPathOption = "upload_path"

// PrefixKeysHook renames option names and user meta keys that embed the
// table prefix, such as "wp_user_roles" and "wp_capabilities"
func PrefixKeysHook() TableHook {
	return func(ctx context.Context, db database.Execer, t RestoredTable) error {
		if t.SourcePrefix == "" || t.SourcePrefix == t.DestPrefix {
			return nil
		}
		var column string
		switch t.Final {
		case t.DestPrefix + "options":
			column = "option_name"
		case t.DestPrefix + "usermeta":
			column = "meta_key"
		default:
			return nil
		}
		col := exporter.QuoteIdent(column)
		query := "UPDATE " + exporter.QuoteIdent(t.Final) +
			" SET " + col + " = CONCAT(?, SUBSTRING(" + col + ", ?))" +
			" WHERE " + col + " LIKE ? AND " + col + " NOT LIKE ?"
		_, err := db.ExecContext(ctx, query,
			t.DestPrefix, len(t.SourcePrefix)+1, likePrefix(t.SourcePrefix), likePrefix(t.DestPrefix))
		return err
	}
}

// RootPathHook rewrites the upload path option when the site moved to another
// directory. It does nothing unless both roots are known and differ.
func RootPathHook(oldRoot, newRoot string) TableHook {
	return func(ctx context.Context, db database.Execer, t RestoredTable) error {
		if oldRoot == "" || newRoot == "" || oldRoot == newRoot || t.Final != t.DestPrefix+"options" {
			return nil
		}
		query := "UPDATE " + exporter.QuoteIdent(t.Final) +
			" SET `option_value` = REPLACE(`option_value`, ?, ?) WHERE `option_name` = ?"
		_, err := db.ExecContext(ctx, query, oldRoot, newRoot, uploadPathOption)
		return err
	}
}

// likePrefix builds a LIKE pattern matching strings that start with prefix
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(prefix) + "%"
}
