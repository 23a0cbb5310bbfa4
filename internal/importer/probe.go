package importer

import (
	"context"

	"site-snapshot/internal/database"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/exporter"
	"site-snapshot/internal/logging"
)

// Permissions are the privileges the destination grants the restoring user
type Permissions struct {
	Create bool
	Drop   bool
	Rename bool
	Lock   bool
}

// CanSwap reports whether tables can be built aside and renamed into place
func (p Permissions) CanSwap() bool {
	return p.Rename && p.Drop
}

// Probe tests each privilege by acting on a throwaway table. Denied
// privileges are not errors; only a lost connection is.
func Probe(ctx context.Context, db database.Execer, tmpPrefix string, logger *logging.Logger) (Permissions, error) {
	var p Permissions
	table := exporter.QuoteIdent(tmpPrefix + "probe")
	renamed := exporter.QuoteIdent(tmpPrefix + "probe_renamed")

	exec := func(query string) error {
		_, err := db.ExecContext(ctx, query)
		switch {
		case err == nil, apperrors.IsConnectionError(err), ctx.Err() != nil:
		case apperrors.IsPermissionDenied(err):
			logger.WithFields(map[string]interface{}{
				"statement": query,
				"error":     err.Error(),
			}).Debug("Privilege probe refused")
		default:
			// counted as not granted all the same
			logger.WithFields(map[string]interface{}{
				"statement": query,
				"error":     err.Error(),
			}).Warn("Privilege probe failed for a reason other than a missing privilege")
		}
		return err
	}
	fatal := func(err error) bool {
		return apperrors.IsConnectionError(err) || ctx.Err() != nil
	}

	if err := exec("DROP TABLE IF EXISTS " + table + ", " + renamed); fatal(err) {
		return p, apperrors.WrapError(err, "privilege probe failed")
	}
	if err := exec("CREATE TABLE " + table + " (`id` int NOT NULL)"); err != nil {
		if fatal(err) {
			return p, apperrors.WrapError(err, "privilege probe failed")
		}
		logger.Warn("Destination refuses CREATE TABLE; restore will fail on the first table")
		return p, nil
	}
	p.Create = true

	if err := exec("LOCK TABLES " + table + " WRITE"); err == nil {
		p.Lock = true
		if err := exec("UNLOCK TABLES"); fatal(err) {
			return p, apperrors.WrapError(err, "privilege probe failed")
		}
	} else if fatal(err) {
		return p, apperrors.WrapError(err, "privilege probe failed")
	}

	current := table
	if err := exec("RENAME TABLE " + table + " TO " + renamed); err == nil {
		p.Rename = true
		current = renamed
	} else if fatal(err) {
		return p, apperrors.WrapError(err, "privilege probe failed")
	}

	if err := exec("DROP TABLE " + current); err == nil {
		p.Drop = true
	} else if fatal(err) {
		return p, apperrors.WrapError(err, "privilege probe failed")
	}

	logger.WithFields(map[string]interface{}{
		"create": p.Create,
		"drop":   p.Drop,
		"rename": p.Rename,
		"lock":   p.Lock,
	}).Info("Destination privileges probed")
	return p, nil
}
