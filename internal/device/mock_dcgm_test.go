// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"

	"github.com/NVIDIA/go-dcgm/pkg/dcgm"
	"github.com/stretchr/testify/mock"
)

type fakeDCGMSession struct {
	mock.Mock
}

func (f *fakeDCGMSession) Connect(mode DCGMMode, address string) (func(), error) {
	ret := f.Called(mode, address)
	return ret.Get(0).(func()), ret.Error(1)
}

func (f *fakeDCGMSession) Watch(req watchRequest) (dcgmWatch, error) {
	ret := f.Called(req.device, req.fields)
	return ret.Get(0).(dcgmWatch), ret.Error(1)
}

func (f *fakeDCGMSession) Latest(w dcgmWatch) ([]dcgm.FieldValue_v2, error) {
	ret := f.Called(w)
	return ret.Get(0).([]dcgm.FieldValue_v2), ret.Error(1)
}

func (f *fakeDCGMSession) Processes(w dcgmWatch, pid uint) ([]dcgm.ProcessInfo, error) {
	ret := f.Called(w, pid)
	return ret.Get(0).([]dcgm.ProcessInfo), ret.Error(1)
}

func (f *fakeDCGMSession) Unwatch(w dcgmWatch) error {
	return f.Called(w).Error(0)
}

// useFakeDCGM installs a fake session for the duration of the test
func useFakeDCGM(t *testing.T) *fakeDCGMSession {
	t.Helper()
	saved := dcgmAPI
	t.Cleanup(func() { dcgmAPI = saved })
	f := &fakeDCGMSession{}
	dcgmAPI = f
	return f
}
