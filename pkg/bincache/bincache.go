// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bincache stores compiled program binaries on disk, one per device identity.
//
// The layout is:
//
//	<root>/<device vendor>/<device unique id>/<binary file name>
//
// The filesystem is the source of truth: there is no index, and an entry exists iff a previous successful build
// stored it. There is no eviction.
package bincache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Identity of a device for caching purposes.
type Identity struct {
	Vendor, UniqueID string
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.Vendor + "/" + id.UniqueID
}

// IdentityFunc derives the Identity of a device.
type IdentityFunc func(backend backends.Backend, device backends.Device) (Identity, error)

// identityAttributes are hashed by AttributesIdentity: they don't change for the lifetime of a device model plus
// driver installation.
var identityAttributes = []backends.DeviceAttribute{
	backends.DeviceName,
	backends.DeviceVersion,
	backends.DriverVersion,
}

// AttributesIdentity is the default IdentityFunc: the vendor, and a hash of the device name, device version,
// driver version, compute units and global memory size.
//
// Two devices of the same model, on the same driver, share the identity, and hence the cached binaries.
func AttributesIdentity(backend backends.Backend, device backends.Device) (Identity, error) {
	vendor, err := backend.DeviceInfo(device, backends.DeviceVendor)
	if err != nil {
		return Identity{}, errors.WithMessagef(err, "query vendor of device %d", device)
	}
	hasher := sha256.New()
	hasher.Write([]byte(vendor))
	for _, attr := range identityAttributes {
		value, err := backend.DeviceInfo(device, attr)
		if err != nil {
			return Identity{}, errors.WithMessagef(err, "query %s of device %d", attr, device)
		}
		_, _ = fmt.Fprintf(hasher, "\x00%s=%s", attr, value)
	}
	for _, attr := range []backends.DeviceAttribute{backends.DeviceMaxComputeUnits, backends.DeviceGlobalMemSize} {
		value, err := backend.DeviceUint(device, attr)
		if err != nil {
			return Identity{}, errors.WithMessagef(err, "query %s of device %d", attr, device)
		}
		_, _ = fmt.Fprintf(hasher, "\x00%s=%d", attr, value)
	}
	return Identity{
		Vendor:   vendor,
		UniqueID: hex.EncodeToString(hasher.Sum(nil))[:16],
	}, nil
}

// FixedIdentity returns an IdentityFunc that uses the device vendor and the given fixed unique id for every
// device.
func FixedIdentity(uniqueID string) IdentityFunc {
	return func(backend backends.Backend, device backends.Device) (Identity, error) {
		vendor, err := backend.DeviceInfo(device, backends.DeviceVendor)
		if err != nil {
			return Identity{}, errors.WithMessagef(err, "query vendor of device %d", device)
		}
		return Identity{Vendor: vendor, UniqueID: uniqueID}, nil
	}
}

// escapeComponent makes s usable as a single path component. Distinct strings yield distinct components.
//
// '%', path separators and NUL are escaped as "%XX". The special names "." and ".." have all their dots
// escaped, and the empty string becomes a lone "%", which no other input can produce.
func escapeComponent(s string) string {
	switch s {
	case "":
		return "%"
	case ".", "..":
		return strings.Repeat("%2E", len(s))
	}
	var sb strings.Builder
	for ii := 0; ii < len(s); ii++ {
		c := s[ii]
		if c == '%' || c == '/' || c == '\\' || c == os.PathSeparator || c == 0 {
			_, _ = fmt.Fprintf(&sb, "%%%02X", c)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// DerivePath returns root/vendor/uniqueId/fileName. It is a pure function of its arguments.
//
// Vendor, unique id and file name are escaped (see escapeComponent) so each one is exactly one path component,
// and distinct identities never share a path.
func DerivePath(root string, id Identity, fileName string) string {
	return filepath.Join(root, escapeComponent(id.Vendor), escapeComponent(id.UniqueID), escapeComponent(fileName))
}

// Cache of binaries named FileName under Root, for devices of a Backend.
type Cache struct {
	Backend  backends.Backend
	Root     string
	FileName string

	// Identity used to derive the per-device directory. If nil, AttributesIdentity is used.
	Identity IdentityFunc
}

// New returns a cache using AttributesIdentity.
func New(backend backends.Backend, root, fileName string) *Cache {
	return &Cache{Backend: backend, Root: root, FileName: fileName}
}

// DeriveIdentity returns the identity of the device.
func (c *Cache) DeriveIdentity(device backends.Device) (Identity, error) {
	identityFn := c.Identity
	if identityFn == nil {
		identityFn = AttributesIdentity
	}
	return identityFn(c.Backend, device)
}

// Path returns the cache path of the binary for the device.
func (c *Cache) Path(device backends.Device) (string, error) {
	id, err := c.DeriveIdentity(device)
	if err != nil {
		return "", err
	}
	return DerivePath(c.Root, id, c.FileName), nil
}

// TryLoad returns the cached binary for the device.
//
// If there is no cached binary it returns found == false and a nil error. Other I/O failures are returned as
// errors.
func (c *Cache) TryLoad(device backends.Device) (binary []byte, found bool, err error) {
	path, err := c.Path(device)
	if err != nil {
		return nil, false, err
	}
	binary, err = os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.V(2).Infof("no cached binary for device %d at %q", device, path)
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to read cached binary %q", path)
	}
	klog.V(2).Infof("read cached binary for device %d from %q (%d bytes)", device, path, len(binary))
	return binary, true, nil
}

// Store the binary for the device, creating the directories as needed and replacing any previous content.
//
// Writers to the same path are serialized with an advisory file lock, and the content is written to a temporary
// file renamed into place.
func (c *Cache) Store(device backends.Device, binary []byte) error {
	path, err := c.Path(device)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create cache directory for %q", path)
	}
	lock := flock.New(path + ".lock")
	if err = lock.Lock(); err != nil {
		return errors.Wrapf(err, "failed to lock %q", path)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			klog.Warningf("failed to unlock %q: %+v", lock.Path(), unlockErr)
		}
	}()
	if err = fsutil.WriteFileAtomic(path, binary, 0o644); err != nil {
		return err
	}
	klog.V(2).Infof("stored binary for device %d in %q (%d bytes)", device, path, len(binary))
	return nil
}
