/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vxc

import (
	"io"
	"maps"
	"slices"
	"sync"

	"goarrg.com/asset"
	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/container"
	"goarrg.com/rhi/vxc/internal/spirv"
	"goarrg.com/rhi/vxc/internal/util"
)

// Device owns every object created from it. All methods are safe for
// concurrent use, they serialize on a single mutex which Sync holds while
// waiting.
type Device struct {
	noCopy util.NoCopy
	mtx    sync.Mutex

	index      int
	config     Config
	driver     driver.Device
	properties Properties

	descriptorSetLayoutCache descriptorSetLayoutCache
	descriptorSetCache       descriptorSetCache

	buffers     map[BufferID]*Buffer
	allocations uint32

	sequences      map[SequenceID]trackedSequence
	nextSequenceID SequenceID
	collectMtx     sync.Mutex
	collected      []SequenceID
	submitted      container.Stack[*CommandSequence]
	dispatchCount  int

	pipelines map[*Pipeline]struct{}
	shaders   []*ShaderModule
}

func newDevice(index int, config Config, dev driver.Device) *Device {
	d := &Device{
		index:      index,
		config:     config,
		driver:     dev,
		properties: newProperties(dev.Info()),

		descriptorSetLayoutCache: descriptorSetLayoutCache{device: dev, cache: map[string]*descriptorSetLayout{}},
		descriptorSetCache: descriptorSetCache{
			device:  dev,
			cache:   map[string]*descriptorSet{},
			buffers: map[BufferID]map[string]struct{}{},
		},

		buffers:   map[BufferID]*Buffer{},
		sequences: map[SequenceID]trackedSequence{},
		pipelines: map[*Pipeline]struct{}{},
	}
	d.noCopy.Init()
	slices.Sort(d.properties.EnabledExtensions)
	return d
}

func (d *Device) checkLocked() error {
	if !d.noCopy.Alive() {
		return debug.ErrorWrapf(ErrorUseAfterFree{}, "Device has been destroyed")
	}
	return nil
}

func (d *Device) Index() int {
	return d.index
}

func (d *Device) Properties() Properties {
	p := d.properties
	p.EnabledExtensions = slices.Clone(d.properties.EnabledExtensions)
	return p
}

func (d *Device) SupportsExtension(name string) bool {
	_, found := slices.BinarySearch(d.properties.EnabledExtensions, name)
	return found
}

// AllocateBuffer allocates size bytes with DefaultBufferUsage, plus
// BufferUsageDeviceAddress when the device supports it.
func (d *Device) AllocateBuffer(size uint64, host bool) (*Buffer, error) {
	usage := DefaultBufferUsage
	if d.properties.Features.BufferDeviceAddress {
		usage |= BufferUsageDeviceAddress
	}
	return d.AllocateBufferUsage(size, host, usage)
}

func (d *Device) AllocateBufferUsage(size uint64, host bool, usage BufferUsageFlags) (*Buffer, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return d.allocateBufferLocked(size, host, usage)
}

func (d *Device) allocateBufferLocked(size uint64, host bool, usage BufferUsageFlags) (*Buffer, error) {
	if size == 0 {
		return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "Buffer size must be > 0")
	}
	if size > d.properties.Limits.Global.MaxAllocationSize {
		return nil, debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Device [%d]: buffer size [%d] is larger than Limits.Global.MaxAllocationSize [%d]",
			d.index, size, d.properties.Limits.Global.MaxAllocationSize)
	}
	if usage.HasBits(BufferUsageStorageBuffer) && d.properties.Limits.PerDescriptor.MaxSBOSize > 0 &&
		size > d.properties.Limits.PerDescriptor.MaxSBOSize {
		return nil, debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Device [%d]: buffer size [%d] is larger than Limits.PerDescriptor.MaxSBOSize [%d]",
			d.index, size, d.properties.Limits.PerDescriptor.MaxSBOSize)
	}
	if d.properties.Limits.Global.MaxMemoryAllocationCount > 0 && d.allocations >= d.properties.Limits.Global.MaxMemoryAllocationCount {
		return nil, debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Device [%d]: reached Limits.Global.MaxMemoryAllocationCount [%d]",
			d.index, d.properties.Limits.Global.MaxMemoryAllocationCount)
	}

	class := driver.MemoryDeviceLocal
	if host {
		class = driver.MemoryHostVisible
	}
	a, err := d.driver.Allocate(size, usage, class)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Device [%d]: failed to allocate [%d] bytes of %s memory", d.index, size, class)
	}

	b := &Buffer{
		id:         nextBufferID(),
		device:     d,
		children:   map[BufferID]*Buffer{},
		allocation: a,
		size:       size,
		usage:      usage,
		host:       host,
	}
	b.noCopy.Init()
	d.buffers[b.id] = b
	d.allocations++
	return b, nil
}

// DeallocateBuffer destroys buf and every view created from it. It fails
// if any of them is referenced by recorded or in flight work.
func (d *Device) DeallocateBuffer(buf *Buffer) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := buf.checkLocked(); err != nil {
		return err
	}
	if buf.device != d {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Buffer %s belongs to another device", toHex(buf.id))
	}
	for _, b := range buf.family() {
		if s := d.userLocked(b.id); s != nil {
			return debug.ErrorWrapf(ErrorConcurrentUse{}, "Buffer %s is in use by sequence %d", toHex(b.id), s.id)
		}
	}

	d.destroyBufferLocked(buf)
	return nil
}

func (d *Device) destroyBufferLocked(b *Buffer) {
	if !b.noCopy.Alive() {
		return
	}
	for _, c := range b.children {
		d.destroyBufferLocked(c)
	}
	d.descriptorSetCache.destroyAnyDescriptorSetsWithBuffer(b.id)

	if b.parent != nil {
		delete(b.parent.children, b.id)
	} else {
		b.allocation.Free()
		d.allocations--
	}
	delete(d.buffers, b.id)
	b.allocation = nil
	b.noCopy.Close()
}

// userLocked returns a sequence that has buffer id queued or in flight.
func (d *Device) userLocked(id BufferID) *CommandSequence {
	for _, s := range d.liveSequencesLocked() {
		if _, ok := s.queued[id]; ok {
			return s
		}
		if _, ok := s.inUse[id]; ok {
			return s
		}
	}
	return nil
}

// pipelineUserLocked returns a sequence that has recorded p and has not been
// submitted yet. Submitted work is handled by syncing.
func (d *Device) pipelineUserLocked(p *Pipeline) *CommandSequence {
	for _, s := range d.liveSequencesLocked() {
		if s.state == sequenceSubmitted {
			continue
		}
		if _, ok := s.pipelines[p]; ok {
			return s
		}
	}
	return nil
}

// inFlightLocked returns a submitted sequence using memory aliased by b.
func (d *Device) inFlightLocked(b *Buffer) *CommandSequence {
	root := b.root().id
	for _, s := range d.submitted.Data() {
		if _, ok := s.inUseRoots[root]; ok {
			return s
		}
	}
	return nil
}

// overlappingLocked returns the submitted sequences, in submission order,
// that use memory aliased by s.
func (d *Device) overlappingLocked(s *CommandSequence) []*CommandSequence {
	ret := []*CommandSequence{}
	for _, o := range d.submitted.Data() {
		if o == s {
			continue
		}
		for r := range s.inUseRoots {
			if _, ok := o.inUseRoots[r]; ok {
				ret = append(ret, o)
				break
			}
		}
	}
	return ret
}

func (d *Device) CreateSequence() (*CommandSequence, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return d.createSequenceLocked()
}

func (d *Device) DestroySequence(s *CommandSequence) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if s == nil || !s.noCopy.Alive() {
		return debug.ErrorWrapf(ErrorUseAfterFree{}, "Sequence has been destroyed")
	}
	if s.device != d {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d belongs to another device", s.id)
	}
	return d.destroySequenceLocked(s)
}

// SubmitSequence submits everything recorded in s. Besides waits, s also
// waits on every in flight sequence that uses memory s uses.
func (d *Device) SubmitSequence(s *CommandSequence, waits ...*CommandSequence) (*CommandSequence, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.checkLocked(); err != nil {
		return s, err
	}
	if s == nil || !s.noCopy.Alive() {
		return s, debug.ErrorWrapf(ErrorUseAfterFree{}, "Sequence has been destroyed")
	}
	if s.device != d {
		return s, debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d belongs to another device", s.id)
	}
	return s, d.submitSequenceLocked(s, waits)
}

func (d *Device) submitSequenceLocked(s *CommandSequence, waits []*CommandSequence) error {
	d.dispatchCount++
	if d.dispatchCount > d.config.DispatchLimit {
		global.logger.WPrintf("Device [%d]: dispatch limit [%d] reached, forcing sync", d.index, d.config.DispatchLimit)
		if err := d.syncLocked(); err != nil {
			return err
		}
		d.dispatchCount = 1
	}

	if s.state == sequenceSubmitted {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d was resubmitted before it was synced", s.id)
	}
	for _, w := range waits {
		if w == nil || !w.noCopy.Alive() {
			return debug.ErrorWrapf(ErrorUseAfterFree{}, "Wait sequence has been destroyed")
		}
		if w.device != d {
			return debug.ErrorWrapf(ErrorInvalidState{}, "Wait sequence %d belongs to another device", w.id)
		}
		if w.submissions == 0 {
			return debug.ErrorWrapf(ErrorInvalidState{}, "Wait sequence %d was never submitted", w.id)
		}
	}

	if err := s.dispatchLocked(waits); err != nil {
		return err
	}
	d.submitted.Push(s)
	return nil
}

// DispatchPipeline records a single invocation of p into a new sequence and
// submits it. The returned sequence may be dropped, its driver objects are
// released once it has been synced and collected.
func (d *Device) DispatchPipeline(p *Pipeline, workGroup []uint32, buffers []*Buffer, pushConstants []byte) (*CommandSequence, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return d.dispatchPipelineLocked(p, workGroup, buffers, pushConstants)
}

func (d *Device) dispatchPipelineLocked(p *Pipeline, workGroup []uint32, buffers []*Buffer, pushConstants []byte) (*CommandSequence, error) {
	s, err := d.createSequenceLocked()
	if err != nil {
		return nil, err
	}
	if err := s.recordPipelineLocked(p, workGroup, buffers, pushConstants); err != nil {
		_ = d.destroySequenceLocked(s)
		return nil, err
	}
	if err := d.submitSequenceLocked(s, nil); err != nil {
		_ = d.destroySequenceLocked(s)
		return nil, err
	}
	return s, nil
}

// Sync blocks until seqs have finished, or every submitted sequence when
// called without arguments. Sequences that are not in flight are ignored.
func (d *Device) Sync(seqs ...*CommandSequence) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.checkLocked(); err != nil {
		return err
	}
	return d.syncLocked(seqs...)
}

func (d *Device) syncLocked(seqs ...*CommandSequence) error {
	d.collectSequencesLocked()

	targets := []*CommandSequence{}
	if len(seqs) == 0 {
		targets = d.submitted.Data()
	} else {
		for _, s := range seqs {
			if s != nil && s.device == d && s.noCopy.Alive() && s.state == sequenceSubmitted {
				targets = append(targets, s)
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	fences := make([]driver.Fence, 0, len(targets))
	for _, s := range targets {
		fences = append(fences, s.fence)
	}
	if err := d.driver.WaitFences(fences...); err != nil {
		return debug.ErrorWrapf(err, "Device [%d]: failed to wait for %d sequences", d.index, len(targets))
	}

	var err error
	for _, s := range targets {
		if e := s.postSyncLocked(); e != nil && err == nil {
			err = e
		}
		d.submitted.Remove(func(o *CommandSequence) bool { return o == s })
	}
	if d.submitted.Empty() {
		d.dispatchCount = 0
	}
	return err
}

// copyLocked records, submits and waits for a single copy.
func (d *Device) copyLocked(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) error {
	s, err := d.createSequenceLocked()
	if err != nil {
		return err
	}
	defer func() { _ = d.destroySequenceLocked(s) }()

	if err := s.recordCopyRangeLocked(src, srcOffset, dst, dstOffset, size); err != nil {
		return err
	}
	if err := d.submitSequenceLocked(s, nil); err != nil {
		return err
	}
	return d.syncLocked(s)
}

func (d *Device) LoadShader(words []uint32) (*ShaderModule, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return d.loadShaderLocked(words)
}

// LoadShaderBytes loads a little endian SPIR-V binary.
func (d *Device) LoadShaderBytes(code []byte) (*ShaderModule, error) {
	words, err := spirv.Words(code)
	if err != nil {
		return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "%s", err)
	}
	return d.LoadShader(words)
}

// LoadShaderFile loads a SPIR-V binary from fs.
func (d *Device) LoadShaderFile(fs *asset.FileSystem, name string) (*ShaderModule, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to open shader %q", name)
	}
	defer f.Close()

	code, err := io.ReadAll(f)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to read shader %q", name)
	}
	return d.LoadShaderBytes(code)
}

func (d *Device) compile(lang ShaderLanguage, source string) (*ShaderModule, error) {
	c, ok := d.config.Compilers[lang]
	if !ok || c == nil {
		return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "No %s compiler configured", lang)
	}
	words, err := c.Compile(source)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to compile %s shader", lang)
	}
	return d.LoadShader(words)
}

func (d *Device) CompileGLSL(source string) (*ShaderModule, error) {
	return d.compile(ShaderLanguageGLSL, source)
}

func (d *Device) CompileCL(source string) (*ShaderModule, error) {
	return d.compile(ShaderLanguageCL, source)
}

func (d *Device) CompileWGSL(source string) (*ShaderModule, error) {
	return d.compile(ShaderLanguageWGSL, source)
}

// CreatePipeline builds a dispatchable pipeline for entryPoint. specConstants
// holds one uint32 per specialization constant, word i is the value of the
// constant with id i. defaultPushConstants is used by dispatches that do not
// provide push constants and must match the entry point's push constant block.
func (d *Device) CreatePipeline(m *ShaderModule, entryPoint string, specConstants, defaultPushConstants []byte) (*Pipeline, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return d.createPipelineLocked(m, entryPoint, specConstants, defaultPushConstants)
}

func (d *Device) CreateKernelProgram(m *ShaderModule) *KernelProgram {
	p := &KernelProgram{
		device:    d,
		module:    m,
		pipelines: map[string]*Pipeline{},
	}
	p.noCopy.Init()
	return p
}

func (d *Device) Destroy() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if !d.noCopy.Alive() {
		return
	}

	global.logger.IPrintf("Device [%d]: waiting for idle", d.index)
	if err := d.driver.WaitIdle(); err != nil {
		global.logger.EPrintf("Device [%d]: failed to wait for idle: %s", d.index, err)
	}

	global.logger.VPrintf("descriptorSetLayoutCache: %s", prettyString(&d.descriptorSetLayoutCache))
	global.logger.VPrintf("descriptorSetCache: %s", prettyString(&d.descriptorSetCache))

	d.descriptorSetCache.destroy()
	d.descriptorSetLayoutCache.destroy()

	for _, s := range d.submitted.Data() {
		if err := s.postSyncLocked(); err != nil {
			global.logger.EPrintf("Device [%d]: %s", d.index, err)
		}
	}
	d.submitted.Clear()
	for _, s := range d.liveSequencesLocked() {
		_ = d.destroySequenceLocked(s)
	}
	for id, t := range d.sequences {
		t.handles.destroyLocked()
		delete(d.sequences, id)
	}
	d.collectMtx.Lock()
	d.collected = nil
	d.collectMtx.Unlock()

	for p := range d.pipelines {
		p.destroyLocked()
	}
	for _, s := range d.shaders {
		s.destroyLocked()
	}
	d.shaders = nil

	for _, k := range slices.Sorted(maps.Keys(d.buffers)) {
		if b, ok := d.buffers[k]; ok && b.parent == nil {
			d.destroyBufferLocked(b)
		}
	}

	global.logger.IPrintf("Device [%d]: destroying driver device", d.index)
	d.driver.Destroy()
	d.noCopy.Close()
}
