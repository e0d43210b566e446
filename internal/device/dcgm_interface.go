// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"time"

	"github.com/NVIDIA/go-dcgm/pkg/dcgm"
)

// dcgmWatch identifies the GPU group and field group of an active watch
type dcgmWatch struct {
	group  dcgm.GroupHandle
	fields dcgm.FieldHandle
}

// watchRequest describes how DCGM should sample the watched fields
type watchRequest struct {
	device      uint
	fields      []dcgm.Short
	updateFreq  time.Duration
	keepAge     time.Duration
	keepSamples int
	name        string
}

// dcgmSession is the subset of DCGM the provider talks to. Tests swap it via
// the dcgmAPI variable.
type dcgmSession interface {
	Connect(mode DCGMMode, address string) (disconnect func(), err error)
	Watch(req watchRequest) (dcgmWatch, error)
	Latest(w dcgmWatch) ([]dcgm.FieldValue_v2, error)
	Processes(w dcgmWatch, pid uint) ([]dcgm.ProcessInfo, error)
	Unwatch(w dcgmWatch) error
}

type nativeDCGM struct{}

// Connect starts an embedded host engine or dials a remote nv-hostengine.
// dcgm.Init takes an unexported mode type so each mode is a separate call.
func (nativeDCGM) Connect(mode DCGMMode, address string) (func(), error) {
	if mode == DCGMModeStandalone {
		return dcgm.Init(dcgm.Standalone, address, "0")
	}
	return dcgm.Init(dcgm.Embedded)
}

// Watch enables pid accounting on the device and watches req.fields on it.
// Partially created groups are destroyed on failure.
func (nativeDCGM) Watch(req watchRequest) (dcgmWatch, error) {
	group, err := dcgm.WatchPidFieldsEx(req.updateFreq, req.keepAge, req.keepSamples, req.device)
	if err != nil {
		return dcgmWatch{}, fmt.Errorf("failed to create DCGM watch group: %w", err)
	}
	fields, err := dcgm.FieldGroupCreate(req.name, req.fields)
	if err != nil {
		_ = dcgm.DestroyGroup(group)
		return dcgmWatch{}, fmt.Errorf("failed to create DCGM field group: %w", err)
	}
	if err := dcgm.WatchFieldsWithGroup(fields, group); err != nil {
		_ = dcgm.FieldGroupDestroy(fields)
		_ = dcgm.DestroyGroup(group)
		return dcgmWatch{}, fmt.Errorf("failed to watch DCGM fields: %w", err)
	}
	return dcgmWatch{group: group, fields: fields}, nil
}

func (nativeDCGM) Latest(w dcgmWatch) ([]dcgm.FieldValue_v2, error) {
	values, _, err := dcgm.GetValuesSince(w.group, w.fields, time.Time{})
	return values, err
}

func (nativeDCGM) Processes(w dcgmWatch, pid uint) ([]dcgm.ProcessInfo, error) {
	return dcgm.GetProcessInfo(w.group, pid)
}

func (nativeDCGM) Unwatch(w dcgmWatch) error {
	var err error
	if w.fields.GetHandle() != 0 {
		err = dcgm.FieldGroupDestroy(w.fields)
	}
	if gerr := dcgm.DestroyGroup(w.group); err == nil {
		err = gerr
	}
	return err
}

var dcgmAPI dcgmSession = nativeDCGM{}
