package central

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils"
)

func (s *CentralSuite) TestReadSlotHoldsOneCall() {
	// GOAL: Verify a second read of the same characteristic is rejected while the first is pending
	//
	// TEST SCENARIO: Read → read again → second rejected, one driver read → first resolves with the value
	s.ready(periphA)

	first := s.ctrl.Read(periphA, svcHeartRate, chrHRM)
	second := s.ctrl.Read(periphA, svcHeartRate, chrHRM)

	_, err := await(s.T(), second)
	s.requireInvalidState(err, device.UnknownFailure, "duplicate read")
	s.ErrorIs(err, device.ErrInProgress)
	s.Len(s.driver.CallsOf(testutils.OpRead), 1, "no second read MUST reach the driver")
	s.Equal(1, s.pendingCalls(), "no second pending call MUST be created")

	other := s.ctrl.Read(periphA, svcBattery, chrBattery)
	s.driver.FireRead(periphA, refBattery, []byte{99}, device.StatusSuccess)
	v, err := await(s.T(), other)
	s.Require().NoError(err, "a different characteristic MUST use its own slot")
	s.Equal([]byte{99}, v)

	s.driver.FireRead(periphA, refHRM, []byte{0x50}, device.StatusSuccess)
	v, err = await(s.T(), first)
	s.Require().NoError(err)
	s.Equal([]byte{0x50}, v)

	ch, ok := s.peripheral(periphA).Characteristic(refHRM)
	s.Require().True(ok)
	s.Equal([]byte{0x50}, ch.Value, "the last read value MUST be cached")
}

func (s *CentralSuite) TestReadFailureKeepsPeripheralConnected() {
	// GOAL: Verify a non-success read status surfaces as a radio response error and changes nothing else
	//
	// TEST SCENARIO: Read → driver reports read-not-permitted → RadioResponseError → peripheral still connected
	s.ready(periphA)

	f := s.ctrl.Read(periphA, svcHeartRate, chrHRM)
	s.driver.FireRead(periphA, refHRM, nil, device.StatusReadNotPermitted)

	_, err := await(s.T(), f)
	s.requireKind(err, device.KindRadioResponse, "rejected read")
	var rre *device.RadioResponseError
	s.Require().True(errors.As(err, &rre))
	s.Equal(device.StatusReadNotPermitted, rre.Status)
	s.Equal(device.OpRead, rre.Op)

	s.Equal(device.Connected, s.peripheral(periphA).State)
	s.Zero(s.pendingCalls())
}

func (s *CentralSuite) TestReadSubmissionFailureReleasesSlot() {
	// GOAL: Verify a read the driver refuses fails unexpected and frees the slot
	//
	// TEST SCENARIO: Driver refuses first read → second read is dispatched
	s.ready(periphA)
	s.driver.FailNext(testutils.OpRead, errors.New("io error"))

	_, err := await(s.T(), s.ctrl.Read(periphA, svcHeartRate, chrHRM))
	s.requireKind(err, device.KindUnexpected, "refused read")
	s.Contains(err.Error(), "io error")

	f := s.ctrl.Read(periphA, svcHeartRate, chrHRM)
	s.driver.FireRead(periphA, refHRM, []byte{1}, device.StatusSuccess)
	_, err = await(s.T(), f)
	s.Require().NoError(err)
}

func (s *CentralSuite) TestTargetValidation() {
	// GOAL: Verify GATT operations check the peripheral and the discovered layout
	//
	// TEST SCENARIO: unknown → not found; disconnected → not connected; missing attribute → resource not found;
	// missing capability → operation not supported
	_, err := await(s.T(), s.ctrl.Read(periphA, svcHeartRate, chrHRM))
	s.requireInvalidState(err, device.PeripheralNotFound, "read from unknown peripheral")

	s.ready(periphA)
	_, err = await(s.T(), s.ctrl.Read(periphA, "1800", "2a00"))
	s.requireInvalidState(err, device.ResourceNotFound, "read from unknown service")

	_, err = await(s.T(), s.ctrl.Read(periphA, svcHeartRate, "2a00"))
	s.requireInvalidState(err, device.ResourceNotFound, "read from unknown characteristic")

	_, err = await(s.T(), s.ctrl.DiscoverCharacteristics(periphA, "1800"))
	s.requireInvalidState(err, device.ResourceNotFound, "discover characteristics of unknown service")

	_, err = await(s.T(), s.ctrl.Read(periphA, svcHeartRate, chrControl))
	s.requireInvalidState(err, device.OperationNotSupported, "read of a write-only characteristic")

	_, err = await(s.T(), s.ctrl.Write(periphA, svcBattery, chrBattery, []byte{1}, WriteOptions{Type: WriteWithResponse}))
	s.requireInvalidState(err, device.OperationNotSupported, "write to a read-only characteristic")

	_, err = await(s.T(), s.ctrl.Subscribe(periphA, svcBattery, chrBattery, noopListener()))
	s.requireInvalidState(err, device.OperationNotSupported, "subscribe without notify support")

	s.driver.FireDisconnected(periphA, device.StatusSuccess)
	_, err = await(s.T(), s.ctrl.Read(periphA, svcHeartRate, chrHRM))
	s.requireInvalidState(err, device.PeripheralNotConnected, "read from disconnected peripheral")
	_, err = await(s.T(), s.ctrl.ReadRSSI(periphA))
	s.requireInvalidState(err, device.PeripheralNotConnected, "rssi of disconnected peripheral")
	_, err = await(s.T(), s.ctrl.DiscoverServices(periphA))
	s.requireInvalidState(err, device.PeripheralNotConnected, "discover on disconnected peripheral")
}

func (s *CentralSuite) TestWriteWithoutResponseResolvesOnSubmission() {
	// GOAL: Verify a write-without-response resolves once the driver accepts it and holds no pending call
	//
	// TEST SCENARIO: Write without response to a write-without-response-only characteristic → resolves
	// without any callback → no pending call left
	s.ready(periphA)

	_, err := await(s.T(), s.ctrl.Write(periphA, svcHeartRate, chrCommand, []byte{1, 2, 3}, WriteOptions{Type: WriteWithoutResponse}))
	s.Require().NoError(err)

	writes := s.driver.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, 1)
	s.False(writes[0].WithResponse)
	s.Equal([]byte{1, 2, 3}, writes[0].Data)
	s.Zero(s.pendingCalls(), "write without response MUST NOT hold a pending call")

	_, err = await(s.T(), s.ctrl.Write(periphA, svcHeartRate, chrCommand, []byte{1}, WriteOptions{Type: WriteWithResponse}))
	s.requireInvalidState(err, device.OperationNotSupported, "declared mode MUST NOT be inferred")
}

func (s *CentralSuite) TestWriteWithoutResponseRejectedWhileSlotBusy() {
	// GOAL: Verify a write-without-response cannot interleave with a pending write-with-response
	//
	// TEST SCENARIO: Write with response pending → write without response → in progress → ack → both modes work
	s.ready(periphA)

	pendingWrite := s.ctrl.Write(periphA, svcHeartRate, chrControl, []byte{1}, WriteOptions{Type: WriteWithResponse})
	_, err := await(s.T(), s.ctrl.Write(periphA, svcHeartRate, chrControl, []byte{2}, WriteOptions{Type: WriteWithoutResponse}))
	s.ErrorIs(err, device.ErrInProgress)

	s.driver.FireWritten(periphA, refControl, device.StatusSuccess)
	_, err = await(s.T(), pendingWrite)
	s.Require().NoError(err)

	_, err = await(s.T(), s.ctrl.Write(periphA, svcHeartRate, chrControl, []byte{2}, WriteOptions{Type: WriteWithoutResponse}))
	s.Require().NoError(err)
}

func (s *CentralSuite) TestWriteWithResponseChunksSequentially() {
	// GOAL: Verify long writes are split and each chunk waits for the previous acknowledgement
	//
	// TEST SCENARIO: 45-byte write, chunk size 20 → chunk 1 → ack → chunk 2 → ack → chunk 3 → ack → resolves
	s.ready(periphA)
	data := bytes.Repeat([]byte{0xAB}, 45)

	f := s.ctrl.Write(periphA, svcHeartRate, chrControl, data, WriteOptions{Type: WriteWithResponse})
	s.settle()
	s.Len(s.driver.CallsOf(testutils.OpWrite), 1, "only the first chunk MUST be sent before its ack")

	for i := 0; i < 3; i++ {
		s.driver.FireWritten(periphA, refControl, device.StatusSuccess)
	}
	_, err := await(s.T(), f)
	s.Require().NoError(err)

	writes := s.driver.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, 3)
	var sizes []int
	var joined []byte
	for _, w := range writes {
		s.True(w.WithResponse)
		sizes = append(sizes, len(w.Data))
		joined = append(joined, w.Data...)
	}
	s.Equal([]int{20, 20, 5}, sizes)
	s.Equal(data, joined)
	s.Zero(s.pendingCalls())
}

func (s *CentralSuite) TestWriteChunkRejectionStopsWrite() {
	// GOAL: Verify a rejected chunk fails the whole write with the driver status
	//
	// TEST SCENARIO: Chunk size 2, 6 bytes → first ack ok → second rejected → write fails, third never sent
	s.ready(periphA)

	f := s.ctrl.Write(periphA, svcHeartRate, chrControl, []byte{1, 2, 3, 4, 5, 6}, WriteOptions{Type: WriteWithResponse, MaxChunkSize: 2})
	s.driver.FireWritten(periphA, refControl, device.StatusSuccess)
	s.driver.FireWritten(periphA, refControl, device.StatusWriteRejected)

	_, err := await(s.T(), f)
	s.requireKind(err, device.KindRadioResponse, "rejected chunk")
	s.Equal("write failed: Write Request Rejected (0xFC)", err.Error())
	s.Len(s.driver.CallsOf(testutils.OpWrite), 2)
}

func (s *CentralSuite) TestWriteEmptyPayload() {
	s.ready(periphA)

	f := s.ctrl.Write(periphA, svcHeartRate, chrControl, nil, WriteOptions{Type: WriteWithResponse})
	s.driver.FireWritten(periphA, refControl, device.StatusSuccess)
	_, err := await(s.T(), f)
	s.Require().NoError(err)

	writes := s.driver.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, 1, "an empty write MUST still reach the peripheral")
	s.Empty(writes[0].Data)
}

func (s *CentralSuite) TestDiscoverServicesReplacesLayoutAtomically() {
	// GOAL: Verify service discovery replaces the service list as a whole
	//
	// TEST SCENARIO: Discovery reports no services → readers see [] → discovery reports two services →
	// concurrent readers only ever see [] or both
	s.connect(periphA)

	f := s.ctrl.DiscoverServices(periphA)
	s.driver.FireServices(periphA, device.StatusSuccess)
	services, err := await(s.T(), f)
	s.Require().NoError(err)
	s.Empty(services)

	var (
		stop    atomic.Bool
		partial atomic.Int32
		reads   atomic.Int32
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			p, err := s.ctrl.Peripheral(periphA).Await(context.Background())
			if err != nil {
				return
			}
			reads.Add(1)
			if n := len(p.Services); n != 0 && n != 2 {
				partial.Add(1)
			}
		}
	}()

	f = s.ctrl.DiscoverServices(periphA)
	s.driver.FireServices(periphA, device.StatusSuccess, svcHeartRate, svcBattery)
	services, err = await(s.T(), f)
	s.Require().NoError(err)

	s.Eventually(func() bool { return reads.Load() > 10 }, time.Second, time.Millisecond)
	stop.Store(true)
	wg.Wait()

	s.Zero(partial.Load(), "a reader MUST never observe a partially replaced service list")
	s.Require().Len(services, 2)
	s.Equal(svcHeartRate, services[0].UUID)
	s.Equal(svcBattery, services[1].UUID)
	s.Empty(services[0].Characteristics, "fresh services MUST start without characteristics")
}

func (s *CentralSuite) TestRediscoveryDropsStaleCharacteristics() {
	s.ready(periphA)

	f := s.ctrl.DiscoverServices(periphA)
	s.driver.FireServices(periphA, device.StatusSuccess, svcHeartRate)
	_, err := await(s.T(), f)
	s.Require().NoError(err)

	_, err = await(s.T(), s.ctrl.Read(periphA, svcHeartRate, chrHRM))
	s.requireInvalidState(err, device.ResourceNotFound, "characteristics MUST be rediscovered after service discovery")
}

func (s *CentralSuite) TestDiscoveryFailureStatus() {
	s.connect(periphA)

	f := s.ctrl.DiscoverServices(periphA)
	s.driver.FireServices(periphA, device.StatusGattError)
	_, err := await(s.T(), f)
	s.requireKind(err, device.KindRadioResponse, "failed discovery")
	s.ErrorIs(err, &device.RadioResponseError{Status: device.StatusGattError})
	s.Empty(s.peripheral(periphA).Services, "a failed discovery MUST NOT touch the layout")
}

func (s *CentralSuite) TestRetrieveServicesWalksEveryService() {
	// GOAL: Verify RetrieveServices discovers services and then the characteristics of each in order
	//
	// TEST SCENARIO: Retrieve → services 180D, 180F → characteristics of 180D → of 180F → full layout
	s.connect(periphA)

	f := s.ctrl.RetrieveServices(periphA)
	s.driver.FireServices(periphA, device.StatusSuccess, svcHeartRate, svcBattery)
	s.driver.FireCharacteristics(periphA, svcHeartRate, device.StatusSuccess,
		device.CharacteristicInfo{UUID: chrHRM, Properties: device.PropRead | device.PropNotify},
	)
	s.driver.FireCharacteristics(periphA, svcBattery, device.StatusSuccess,
		device.CharacteristicInfo{UUID: chrBattery, Properties: device.PropRead},
	)

	info, err := await(s.T(), f)
	s.Require().NoError(err)
	s.Equal([]string{svcHeartRate, svcBattery}, info.ServiceUUIDs)
	s.Require().Len(info.Characteristics, 2)
	s.Equal(refHRM, info.Characteristics[0].Ref())
	s.Equal(refBattery, info.Characteristics[1].Ref())

	calls := s.driver.CallsOf(testutils.OpDiscoverCharacteristics)
	s.Require().Len(calls, 2)
	s.Equal(svcHeartRate, calls[0].Service)
	s.Equal(svcBattery, calls[1].Service)

	testutils.NewJSONAsserter(s.T()).AssertPeripheral(info.Peripheral, `{
		"id": "AA:BB:CC:DD:EE:01",
		"state": "connected",
		"services": [
			{"uuid": "180d", "characteristics": [{"uuid": "2a37", "properties": "Read,Notify"}]},
			{"uuid": "180f", "characteristics": [{"uuid": "2a19", "properties": "Read"}]}
		]
	}`)
}

func (s *CentralSuite) TestRetrieveServicesAbortsOnDisconnect() {
	// GOAL: Verify a disconnection in the middle of a retrieval fails it with peripheral_disconnected
	//
	// TEST SCENARIO: Retrieve → services found → link drops during characteristic discovery → retrieval fails
	s.connect(periphA)

	f := s.ctrl.RetrieveServices(periphA)
	s.driver.FireServices(periphA, device.StatusSuccess, svcHeartRate, svcBattery)
	s.driver.FireDisconnected(periphA, device.StatusOutOfRange)

	_, err := await(s.T(), f)
	s.requireInvalidState(err, device.PeripheralDisconnected, "interrupted retrieval")
	s.Len(s.driver.CallsOf(testutils.OpDiscoverCharacteristics), 1, "retrieval MUST stop at the first failure")
}

func (s *CentralSuite) TestReadRSSI() {
	s.connect(periphA)

	f := s.ctrl.ReadRSSI(periphA)
	s.driver.FireRSSI(periphA, -61, device.StatusSuccess)
	rssi, err := await(s.T(), f)
	s.Require().NoError(err)
	s.Equal(-61, rssi)
	s.Equal(-61, s.peripheral(periphA).RSSI)

	f = s.ctrl.ReadRSSI(periphA)
	s.driver.FireRSSI(periphA, 0, device.StatusUnlikelyError)
	_, err = await(s.T(), f)
	s.requireKind(err, device.KindRadioResponse, "failed rssi read")
}

func (s *CentralSuite) TestOperationTimeoutReleasesSlot() {
	// GOAL: Verify an operation deadline fails the call with unknown_failure and frees its slot
	//
	// TEST SCENARIO: Operation timeout 50ms → read never answered → times out → next read dispatched
	s.restart(Options{OperationTimeout: 50 * time.Millisecond})
	s.ready(periphA)

	_, err := await(s.T(), s.ctrl.Read(periphA, svcHeartRate, chrHRM))
	s.ErrorIs(err, device.ErrTimeout)
	s.requireInvalidState(err, device.UnknownFailure, "unanswered read")
	s.Zero(s.pendingCalls())

	f := s.ctrl.Read(periphA, svcHeartRate, chrHRM)
	s.driver.FireRead(periphA, refHRM, []byte{3}, device.StatusSuccess)
	v, err := await(s.T(), f)
	s.Require().NoError(err, "the slot MUST be usable after a timeout")
	s.Equal([]byte{3}, v)
	s.Equal(device.Connected, s.peripheral(periphA).State, "a timeout MUST NOT disconnect")
}

func (s *CentralSuite) TestRequestMTUSizesLaterWrites() {
	// GOAL: Verify an MTU exchange resolves with the settled value and drives the default write chunk size
	//
	// TEST SCENARIO: Request 247 → link settles on 185 → 200-byte write goes out as 182 + 18 →
	// failed exchange keeps 185 → disconnect forgets it
	s.ready(periphA)

	_, err := await(s.T(), s.ctrl.RequestMTU(periphA, 10))
	s.requireKind(err, device.KindInvalidArgument, "mtu below the ATT minimum")
	_, err = await(s.T(), s.ctrl.RequestMTU(periphB, 185))
	s.requireInvalidState(err, device.PeripheralNotFound, "mtu on unknown peripheral")

	f := s.ctrl.RequestMTU(periphA, 247)
	s.settle()
	calls := s.driver.CallsOf(testutils.OpRequestMTU)
	s.Require().Len(calls, 1)
	s.Equal(247, calls[0].MTU)
	s.driver.FireMTU(periphA, 185, device.StatusSuccess)
	mtu, err := await(s.T(), f)
	s.Require().NoError(err)
	s.Equal(185, mtu, "the settled MTU MUST be reported, not the requested one")
	s.Equal(185, s.peripheral(periphA).MTU)

	data := bytes.Repeat([]byte{0x01}, 200)
	w := s.ctrl.Write(periphA, svcHeartRate, chrControl, data, WriteOptions{Type: WriteWithResponse})
	s.driver.FireWritten(periphA, refControl, device.StatusSuccess)
	s.driver.FireWritten(periphA, refControl, device.StatusSuccess)
	_, err = await(s.T(), w)
	s.Require().NoError(err)
	writes := s.driver.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, 2)
	s.Len(writes[0].Data, 182, "chunks MUST fill the negotiated MTU minus the write header")
	s.Len(writes[1].Data, 18)

	f = s.ctrl.RequestMTU(periphA, 512)
	s.driver.FireMTU(periphA, 0, device.StatusUnlikelyError)
	_, err = await(s.T(), f)
	s.requireKind(err, device.KindRadioResponse, "failed exchange")
	s.Equal(185, s.peripheral(periphA).MTU, "a failed exchange MUST keep the previous MTU")

	s.driver.FireDisconnected(periphA, device.StatusSuccess)
	s.settle()
	s.Zero(s.peripheral(periphA).MTU, "the MTU MUST NOT outlive the link")
}

func (s *CentralSuite) TestRetrieveServicesHonoursServiceFilter() {
	// GOAL: Verify a service filter limits characteristic discovery to the listed services
	//
	// TEST SCENARIO: Retrieve(180F, 1809) → services 180D, 180F → only 180F characteristics discovered →
	// invalid filter rejected before any radio call
	s.connect(periphA)

	_, err := await(s.T(), s.ctrl.RetrieveServices(periphA, "not-a-uuid"))
	s.requireKind(err, device.KindInvalidArgument, "invalid service filter")
	s.Empty(s.driver.CallsOf(testutils.OpDiscoverServices))

	f := s.ctrl.RetrieveServices(periphA, "180F", "1809")
	s.driver.FireServices(periphA, device.StatusSuccess, svcHeartRate, svcBattery)
	s.driver.FireCharacteristics(periphA, svcBattery, device.StatusSuccess,
		device.CharacteristicInfo{UUID: chrBattery, Properties: device.PropRead},
	)

	info, err := await(s.T(), f)
	s.Require().NoError(err)
	calls := s.driver.CallsOf(testutils.OpDiscoverCharacteristics)
	s.Require().Len(calls, 1, "unlisted services MUST be skipped and absent ones ignored")
	s.Equal(svcBattery, calls[0].Service)
	s.Equal([]string{svcHeartRate, svcBattery}, info.ServiceUUIDs)
	s.Require().Len(info.Characteristics, 1)
	s.Equal(refBattery, info.Characteristics[0].Ref())
}
