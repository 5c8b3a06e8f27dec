package site

import "errors"

var (
	ErrFileNotFound = errors.New("site: file not found")
	ErrHashMismatch = errors.New("site: hash mismatch")
	ErrSizeMismatch = errors.New("site: size mismatch")
	ErrNoPeers      = errors.New("site: no peer could supply the file")
	ErrUnsafePath   = errors.New("site: unsafe inner path")
	ErrStopped      = errors.New("site: stopped")
	ErrLoading      = errors.New("site: manifest not loaded")
	ErrUnknownSite  = errors.New("site: unknown site")
)
