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
	"maps"
	"runtime"
	"slices"
	"weak"

	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/util"
)

type SequenceID uint64

type sequenceState uint32

const (
	sequenceIdle sequenceState = iota
	sequenceRecording
	sequenceEnded
	sequenceSubmitted
)

func (s sequenceState) String() string {
	switch s {
	case sequenceIdle:
		return "Idle"
	case sequenceRecording:
		return "Recording"
	case sequenceEnded:
		return "Ended"
	case sequenceSubmitted:
		return "Submitted"
	default:
		return "Unknown"
	}
}

// consumer is the submission that waits on a sequence's signal semaphore.
// A zero submission means nothing has waited on it yet.
type consumer struct {
	seq        weak.Pointer[CommandSequence]
	submission uint64
}

// live returns the consuming sequence while the consuming submission is in flight.
func (c consumer) live() *CommandSequence {
	s := c.seq.Value()
	if s == nil || !s.noCopy.Alive() {
		return nil
	}
	if s.state != sequenceSubmitted || s.submissions != c.submission {
		return nil
	}
	return s
}

// sequenceHandles are the driver objects of a sequence, the device keeps
// them so they can be released after the sequence is collected.
type sequenceHandles struct {
	cmd       driver.CommandBuffer
	fence     driver.Fence
	semaphore driver.Semaphore
	// retired holds semaphores of other sequences this submission still waits on.
	retired  []driver.Semaphore
	consumer consumer
}

// releaseSemaphoreLocked hands the signal semaphore to its consumer if one
// is still waiting on it, destroying it otherwise.
func (h *sequenceHandles) releaseSemaphoreLocked() {
	if h.semaphore == nil {
		return
	}
	if c := h.consumer.live(); c != nil {
		c.retired = append(c.retired, h.semaphore)
	} else {
		h.semaphore.Destroy()
	}
	h.semaphore = nil
	h.consumer = consumer{}
}

func (h *sequenceHandles) destroyLocked() {
	h.releaseSemaphoreLocked()
	for _, r := range h.retired {
		r.Destroy()
	}
	h.retired = nil
	h.fence.Destroy()
	h.cmd.Destroy()
}

// CommandSequence batches recorded work into a single submission. It can be
// recorded again once the submission has been synced.
//
// The device tracks sequences weakly. A synced sequence the caller no longer
// references has its driver objects released by the device, so dropping the
// result of Dispatch is fine once it has been synced.
type CommandSequence struct {
	noCopy  util.NoCopy
	id      SequenceID
	device  *Device
	cleanup runtime.Cleanup
	*sequenceHandles

	state       sequenceState
	recordCount int
	waitStage   driver.PipelineStage
	submissions uint64

	queued      map[BufferID]*Buffer
	queuedRoots map[BufferID]struct{}
	inUse       map[BufferID]*Buffer
	inUseRoots  map[BufferID]struct{}
	// pipelines recorded since the last sync.
	pipelines map[*Pipeline]struct{}
}

func (d *Device) createSequenceLocked() (*CommandSequence, error) {
	d.collectSequencesLocked()

	cmd, err := d.driver.CreateCommandBuffer()
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Device [%d]: failed to create command buffer", d.index)
	}
	fence, err := d.driver.CreateFence()
	if err != nil {
		cmd.Destroy()
		return nil, debug.ErrorWrapf(err, "Device [%d]: failed to create fence", d.index)
	}

	d.nextSequenceID++
	s := &CommandSequence{
		id:              d.nextSequenceID,
		device:          d,
		sequenceHandles: &sequenceHandles{cmd: cmd, fence: fence},
		queued:          map[BufferID]*Buffer{},
		queuedRoots:     map[BufferID]struct{}{},
		pipelines:       map[*Pipeline]struct{}{},
	}
	s.noCopy.Init()
	d.sequences[s.id] = trackedSequence{seq: weak.Make(s), handles: s.sequenceHandles}
	s.cleanup = runtime.AddCleanup(s, d.queueCollect, s.id)
	return s, nil
}

// trackedSequence is the device side of a sequence.
type trackedSequence struct {
	seq     weak.Pointer[CommandSequence]
	handles *sequenceHandles
}

// queueCollect runs on the cleanup goroutine once a sequence is unreachable,
// the handles are released the next time the device lock is taken.
func (d *Device) queueCollect(id SequenceID) {
	d.collectMtx.Lock()
	defer d.collectMtx.Unlock()
	d.collected = append(d.collected, id)
}

func (d *Device) collectSequencesLocked() {
	d.collectMtx.Lock()
	ids := d.collected
	d.collected = nil
	d.collectMtx.Unlock()

	for _, id := range ids {
		if t, ok := d.sequences[id]; ok {
			t.handles.destroyLocked()
			delete(d.sequences, id)
		}
	}
}

// liveSequencesLocked returns the tracked sequences still referenced by the
// caller, ordered by id.
func (d *Device) liveSequencesLocked() []*CommandSequence {
	ret := make([]*CommandSequence, 0, len(d.sequences))
	for _, k := range slices.Sorted(maps.Keys(d.sequences)) {
		if s := d.sequences[k].seq.Value(); s != nil {
			ret = append(ret, s)
		}
	}
	return ret
}

func (d *Device) destroySequenceLocked(s *CommandSequence) error {
	if !s.noCopy.Alive() {
		return nil
	}

	var err error
	if s.state == sequenceSubmitted {
		global.logger.WPrintf("Device [%d]: destroying unsynced sequence %d, waiting for it to finish", d.index, s.id)
		err = d.syncLocked(s)
	}

	s.cleanup.Stop()
	s.sequenceHandles.destroyLocked()

	s.queued = nil
	s.queuedRoots = nil
	s.inUse = nil
	s.inUseRoots = nil
	s.pipelines = nil

	delete(d.sequences, s.id)
	s.noCopy.Close()
	return err
}

func (s *CommandSequence) ID() SequenceID {
	return s.id
}

// Synced reports whether the sequence has no submission in flight.
func (s *CommandSequence) Synced() bool {
	s.device.mtx.Lock()
	defer s.device.mtx.Unlock()
	return s.state != sequenceSubmitted
}

func (s *CommandSequence) Recording() bool {
	s.device.mtx.Lock()
	defer s.device.mtx.Unlock()
	return s.state == sequenceRecording
}

// RecordCount is the number of operations recorded since the last submission.
func (s *CommandSequence) RecordCount() int {
	s.device.mtx.Lock()
	defer s.device.mtx.Unlock()
	return s.recordCount
}

func (s *CommandSequence) checkLocked() error {
	if !s.noCopy.Alive() {
		return debug.ErrorWrapf(ErrorUseAfterFree{}, "Sequence has been destroyed")
	}
	return nil
}

func (s *CommandSequence) ensureRecordingLocked() error {
	switch s.state {
	case sequenceRecording:
		return nil
	case sequenceSubmitted:
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d must be synced before recording", s.id)
	case sequenceEnded:
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d has ended and must be submitted before recording", s.id)
	}

	if err := s.cmd.Reset(); err != nil {
		return debug.ErrorWrapf(err, "Failed to reset sequence %d", s.id)
	}

	s.releaseSemaphoreLocked()
	sem, err := s.device.driver.CreateSemaphore()
	if err != nil {
		return debug.ErrorWrapf(err, "Failed to create semaphore for sequence %d", s.id)
	}
	s.semaphore = sem

	if err := s.cmd.Begin(); err != nil {
		return debug.ErrorWrapf(err, "Failed to begin sequence %d", s.id)
	}

	clear(s.queued)
	clear(s.queuedRoots)
	clear(s.pipelines)
	s.recordCount = 0
	s.waitStage = driver.PipelineStageNone
	s.state = sequenceRecording
	return nil
}

// barriersLocked returns the buffers aliasing memory already touched in this
// recording, one per allocation.
func (s *CommandSequence) barriersLocked(buffers ...*Buffer) []*Buffer {
	ret := []*Buffer{}
	seen := map[BufferID]struct{}{}
	for _, b := range buffers {
		r := b.root()
		if _, ok := s.queuedRoots[r.id]; !ok {
			continue
		}
		if _, ok := seen[r.id]; ok {
			continue
		}
		seen[r.id] = struct{}{}
		ret = append(ret, r)
	}
	return ret
}

func (s *CommandSequence) queueLocked(buffers ...*Buffer) {
	for _, b := range buffers {
		s.queued[b.id] = b
		s.queuedRoots[b.root().id] = struct{}{}
	}
}

func (s *CommandSequence) RecordPipeline(p *Pipeline, workGroup []uint32, buffers []*Buffer, pushConstants []byte) error {
	s.device.mtx.Lock()
	defer s.device.mtx.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	return s.recordPipelineLocked(p, workGroup, buffers, pushConstants)
}

func (s *CommandSequence) recordPipelineLocked(p *Pipeline, workGroup []uint32, buffers []*Buffer, pushConstants []byte) error {
	if err := p.checkLocked(); err != nil {
		return err
	}
	if p.device != s.device {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Pipeline %q belongs to another device", p.entryPoint)
	}
	if err := s.ensureRecordingLocked(); err != nil {
		return err
	}
	if err := p.invokeLocked(s.cmd, workGroup, buffers, pushConstants, s.barriersLocked(buffers...)); err != nil {
		return err
	}

	s.queueLocked(buffers...)
	s.pipelines[p] = struct{}{}
	s.waitStage |= driver.PipelineStageCompute
	s.recordCount++
	return nil
}

// RecordCopyBuffer copies the whole span of src into dst, the spans must be equal.
func (s *CommandSequence) RecordCopyBuffer(dst, src *Buffer) error {
	s.device.mtx.Lock()
	defer s.device.mtx.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	if err := src.checkLocked(); err != nil {
		return err
	}
	if err := dst.checkLocked(); err != nil {
		return err
	}
	if dst.Span() != src.Span() {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Copy source %s span [%d] does not match destination %s span [%d]",
			toHex(src.id), src.Span(), toHex(dst.id), dst.Span())
	}
	return s.recordCopyRangeLocked(src, 0, dst, 0, src.Span())
}

func (s *CommandSequence) recordCopyRangeLocked(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) error {
	if src.device != s.device || dst.device != s.device {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Copy buffers must belong to the device of sequence %d", s.id)
	}
	if src.root() == dst.root() {
		a := src.offset + srcOffset
		b := dst.offset + dstOffset
		if a < b+size && b < a+size {
			return debug.ErrorWrapf(ErrorInvalidState{}, "Copy regions [%d:%d] and [%d:%d] overlap", a, a+size, b, b+size)
		}
	}
	if err := s.ensureRecordingLocked(); err != nil {
		return err
	}

	for _, b := range s.barriersLocked(src, dst) {
		s.cmd.Barrier(driver.BufferBarrier{
			Allocation: b.allocation,
			Offset:     0,
			Size:       b.size,
			SrcStage:   driver.PipelineStageCompute | driver.PipelineStageTransfer,
			DstStage:   driver.PipelineStageTransfer,
			SrcAccess:  driver.AccessWrite,
			DstAccess:  driver.AccessReadWrite,
		})
	}
	s.cmd.CopyBuffer(src.allocation, dst.allocation, driver.BufferCopy{
		SrcOffset: src.offset + srcOffset,
		DstOffset: dst.offset + dstOffset,
		Size:      size,
	})

	s.queueLocked(src, dst)
	s.waitStage |= driver.PipelineStageTransfer
	s.recordCount++
	return nil
}

// End closes recording, submitting an open recording ends it implicitly.
func (s *CommandSequence) End() error {
	s.device.mtx.Lock()
	defer s.device.mtx.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	return s.endLocked()
}

func (s *CommandSequence) endLocked() error {
	if s.state != sequenceRecording {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d is not recording, state: %s", s.id, s.state)
	}
	if s.recordCount == 0 {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d has nothing recorded", s.id)
	}
	if err := s.cmd.End(); err != nil {
		return debug.ErrorWrapf(err, "Failed to end sequence %d", s.id)
	}
	s.state = sequenceEnded
	return nil
}

// resolveWait returns the in flight sequence whose signal semaphore can
// still be waited on to order after w, nil if w has finished.
func resolveWait(w *CommandSequence) *CommandSequence {
	for w != nil {
		if !w.noCopy.Alive() || w.state != sequenceSubmitted {
			return nil
		}
		if w.consumer.submission == 0 {
			return w
		}
		next := w.consumer.live()
		if next == nil {
			return nil
		}
		w = next
	}
	return nil
}

func (s *CommandSequence) dispatchLocked(waits []*CommandSequence) error {
	switch s.state {
	case sequenceSubmitted:
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d was resubmitted before it was synced", s.id)
	case sequenceIdle:
		return debug.ErrorWrapf(ErrorInvalidState{}, "Sequence %d has nothing recorded", s.id)
	case sequenceRecording:
		if err := s.endLocked(); err != nil {
			return err
		}
	}

	s.inUse, s.queued = s.queued, map[BufferID]*Buffer{}
	s.inUseRoots, s.queuedRoots = s.queuedRoots, map[BufferID]struct{}{}

	targets := []*CommandSequence{}
	for _, w := range slices.Concat(waits, s.device.overlappingLocked(s)) {
		t := resolveWait(w)
		if t == nil || t == s {
			continue
		}
		if !slices.Contains(targets, t) {
			targets = append(targets, t)
		}
	}

	info := driver.SubmitInfo{
		CommandBuffer: s.cmd,
		Signal:        s.semaphore,
		Fence:         s.fence,
	}
	for _, t := range targets {
		info.Waits = append(info.Waits, driver.SemaphoreWait{Semaphore: t.semaphore, Stage: s.waitStage})
	}

	if err := s.device.driver.Submit(info); err != nil {
		s.state = sequenceIdle
		s.inUse = nil
		s.inUseRoots = nil
		clear(s.pipelines)
		return debug.ErrorWrapf(err, "Failed to submit sequence %d", s.id)
	}

	s.submissions++
	s.state = sequenceSubmitted
	for _, t := range targets {
		t.consumer = consumer{seq: weak.Make(s), submission: s.submissions}
	}
	return nil
}

// postSyncLocked is called once the fence of the in flight submission has signaled.
func (s *CommandSequence) postSyncLocked() error {
	s.state = sequenceIdle
	s.inUse = nil
	s.inUseRoots = nil
	clear(s.pipelines)
	for _, r := range s.retired {
		r.Destroy()
	}
	s.retired = nil
	if err := s.fence.Reset(); err != nil {
		return debug.ErrorWrapf(err, "Failed to reset fence of sequence %d", s.id)
	}
	return nil
}

// Destroy is the same as Device.DestroySequence.
func (s *CommandSequence) Destroy() error {
	return s.device.DestroySequence(s)
}
