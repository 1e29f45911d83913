// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package errs2 classifies and sanitizes errors before they cross a
// component boundary that is visible to a subscriber or to logs, mirroring
// the teacher's LoggingSanitizer/CodeMap pair.
package errs2

import (
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/streamcore/changelog"
)

// CodeMap associates an errs.Class with the changelog.Kind it should be
// reported as when it escapes a component, exactly as the teacher's
// errs2.CodeMap associates classes with rpcstatus codes.
type CodeMap map[*errs.Class]changelog.Kind

// LoggingSanitizer maps an internal error to one of a fixed set of exposed
// kinds, optionally logging the original error first so operators retain
// the detail that subscribers never see.
type LoggingSanitizer struct {
	wrapper *errs.Class
	log     *zap.Logger
	codes   CodeMap
}

// NewLoggingSanitizer builds a sanitizer. wrapper and log may be nil.
func NewLoggingSanitizer(wrapper *errs.Class, log *zap.Logger, codes CodeMap) *LoggingSanitizer {
	return &LoggingSanitizer{wrapper: wrapper, log: log, codes: codes}
}

// Error logs err (if a logger was configured) under msg, then returns a
// changelog.Error of the mapped kind, falling back to KindTransient for
// errors whose class is not in the code map (an "internal" error, in the
// teacher's terminology, is never described by message detail).
func (s *LoggingSanitizer) Error(msg string, err error) error {
	if s.log != nil {
		logged := err
		if s.wrapper != nil {
			logged = s.wrapper.Wrap(err)
		}
		s.log.Error(msg, zap.Error(logged))
	}

	for class, kind := range s.codes {
		if class.Has(err) {
			if s.wrapper != nil {
				return changelog.Wrap(kind, err, "%s", s.wrapper.Wrap(err).Error())
			}
			return changelog.Wrap(kind, err, "%s", err.Error())
		}
	}

	if s.wrapper != nil {
		return changelog.New(changelog.KindTransient, "%s", s.wrapper.New("%s", msg).Error())
	}
	return changelog.New(changelog.KindTransient, "%s", msg)
}
