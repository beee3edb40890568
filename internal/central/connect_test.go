package central

import (
	"errors"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/pending"
	"github.com/srg/blecentral/internal/testutils"
)

func (s *CentralSuite) TestConnectDispatchesOneAttemptAtATime() {
	// GOAL: Verify at most one connect is dispatched to the driver and attempts complete in FIFO order
	//
	// TEST SCENARIO: Connect A, B, C → only A dispatched → A connects → B dispatched → B connects → C dispatched
	ids := []string{periphA, periphB, periphC}
	futures := make([]*pending.Future[struct{}], len(ids))
	for i, id := range ids {
		futures[i] = s.ctrl.Connect(id)
	}
	s.settle()

	for i, id := range ids {
		calls := s.driver.CallsOf(testutils.OpConnect)
		s.Require().Len(calls, i+1, "exactly one new attempt MUST be dispatched per completion")
		s.Equal(id, calls[i].ID, "attempts MUST be dispatched in FIFO order")

		for _, later := range futures[i:] {
			select {
			case <-later.Done():
				s.FailNow("attempt resolved before its turn", "peripheral %s", id)
			default:
			}
		}

		s.driver.FireConnected(id)
		s.settle()

		select {
		case <-futures[i].Done():
		default:
			s.FailNow("attempt MUST resolve when the peripheral connects", id)
		}
	}

	s.Equal(1, s.driver.MaxConcurrentConnects(), "driver MUST never see two outstanding attempts")
	connected, err := await(s.T(), s.ctrl.ConnectedPeripherals())
	s.Require().NoError(err)
	s.Len(connected, 3)
}

func (s *CentralSuite) TestQueuedAttemptDispatchedAfterFailure() {
	// GOAL: Verify a queued attempt for an unknown peripheral runs once the in-flight attempt fails
	//
	// TEST SCENARIO: P2 attempt in flight → connect(P1) queued → P2 fails → P1 dispatched → P1 connects
	p2 := s.ctrl.Connect(periphB)
	s.settle()
	p1 := s.ctrl.Connect(periphA)
	s.settle()

	s.Len(s.driver.CallsOf(testutils.OpConnect), 1, "P1 MUST wait while P2 is in flight")
	p, err := await(s.T(), s.ctrl.Peripheral(periphA))
	s.Require().NoError(err, "a queued peripheral MUST be known")
	s.Equal(device.Disconnected, p.State, "state MUST NOT change before the driver reports it")

	s.driver.FireDisconnected(periphB, device.StatusGattError)
	_, err = await(s.T(), p2)
	s.requireInvalidState(err, device.ConnectionAttemptFailed, "failed P2 attempt")
	s.Contains(err.Error(), "GATT Error")

	s.settle()
	calls := s.driver.CallsOf(testutils.OpConnect)
	s.Require().Len(calls, 2)
	s.Equal(periphA, calls[1].ID, "P1 MUST be dispatched next")
	s.Equal(device.Connecting, s.peripheral(periphA).State)

	s.driver.FireConnected(periphA)
	_, err = await(s.T(), p1)
	s.Require().NoError(err)
	s.Equal(device.Connected, s.peripheral(periphA).State)
	s.Equal(device.Disconnected, s.peripheral(periphB).State)
	s.Equal(1, s.driver.MaxConcurrentConnects())
}

func (s *CentralSuite) TestConnectRejectsDuplicates() {
	// GOAL: Verify connect is rejected for peripherals already connecting, queued or connected
	//
	// TEST SCENARIO: A in flight, B queued → connect A and B again → rejected → A connects → connect A rejected
	a := s.ctrl.Connect(periphA)
	s.ctrl.Connect(periphB)
	s.settle()

	_, err := await(s.T(), s.ctrl.Connect(periphA))
	s.requireInvalidState(err, device.ConnectionAttemptFailed, "connect while connecting")
	s.ErrorIs(err, device.ErrAlreadyConnecting)

	_, err = await(s.T(), s.ctrl.Connect(periphB))
	s.ErrorIs(err, device.ErrAlreadyConnecting, "connect while queued")

	s.driver.FireConnected(periphA)
	_, err = await(s.T(), a)
	s.Require().NoError(err)

	_, err = await(s.T(), s.ctrl.Connect(periphA))
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.Len(s.driver.CallsOf(testutils.OpConnect), 2, "rejected attempts MUST NOT reach the driver")
}

func (s *CentralSuite) TestConnectSubmissionFailureAdvancesQueue() {
	// GOAL: Verify a connect the driver refuses fails its caller and lets the next attempt run
	//
	// TEST SCENARIO: Driver refuses A → A fails unexpected → queued B dispatched
	s.driver.FailNext(testutils.OpConnect, errors.New("adapter busy"))
	a := s.ctrl.Connect(periphA)
	b := s.ctrl.Connect(periphB)

	_, err := await(s.T(), a)
	s.requireKind(err, device.KindUnexpected, "refused connect")
	s.settle()

	calls := s.driver.CallsOf(testutils.OpConnect)
	s.Require().Len(calls, 2)
	s.Equal(periphB, calls[1].ID)

	s.driver.FireConnected(periphB)
	_, err = await(s.T(), b)
	s.Require().NoError(err)
}

func (s *CentralSuite) TestDisconnectCancelsQueuedAttempt() {
	// GOAL: Verify disconnecting a queued peripheral cancels its attempt without touching the driver
	//
	// TEST SCENARIO: A in flight, B queued → disconnect B → B attempt fails, disconnect succeeds → A unaffected
	s.ctrl.Connect(periphA)
	b := s.ctrl.Connect(periphB)
	s.settle()

	_, err := await(s.T(), s.ctrl.Disconnect(periphB))
	s.Require().NoError(err)

	_, err = await(s.T(), b)
	s.requireInvalidState(err, device.ConnectionAttemptFailed, "cancelled attempt")
	s.Empty(s.driver.CallsOf(testutils.OpDisconnect), "a queued attempt MUST be cancelled locally")

	s.driver.FireConnected(periphA)
	s.settle()
	s.Len(s.driver.CallsOf(testutils.OpConnect), 1, "cancelled attempt MUST NOT be dispatched")
}

func (s *CentralSuite) TestDisconnectAbortsInFlightAttempt() {
	// GOAL: Verify disconnecting during a dispatched attempt fails the attempt and completes the disconnect
	//
	// TEST SCENARIO: A in flight → disconnect A → driver reports link down → connect fails, disconnect succeeds
	conn := s.ctrl.Connect(periphA)
	s.settle()

	disc := s.ctrl.Disconnect(periphA)
	s.settle()
	s.Len(s.driver.CallsOf(testutils.OpDisconnect), 1, "in-flight attempt MUST be aborted through the driver")

	s.driver.FireDisconnected(periphA, device.StatusSuccess)

	_, err := await(s.T(), conn)
	s.requireInvalidState(err, device.ConnectionAttemptFailed, "aborted attempt")
	_, err = await(s.T(), disc)
	s.Require().NoError(err)
}

func (s *CentralSuite) TestRadioOffResolvesDisconnectOfUnconfirmedAttempt() {
	// GOAL: Verify radio off resolves a disconnect aimed at an attempt the driver never confirmed
	//
	// TEST SCENARIO: A dispatched (no Connecting yet) → disconnect A → radio off → connect fails
	// radio_disabled, disconnect succeeds, nothing left pending
	conn := s.ctrl.Connect(periphA)
	s.settle()
	disc := s.ctrl.Disconnect(periphA)
	s.settle()
	requireUnresolved(s, disc, "disconnect MUST wait while the attempt is in flight")

	s.driver.FireRadioState(device.RadioPoweredOff)

	_, err := await(s.T(), conn)
	s.requireInvalidState(err, device.RadioDisabled, "unconfirmed connect on radio off")
	_, err = await(s.T(), disc)
	s.Require().NoError(err, "disconnect MUST resolve once the radio is gone")
	s.Zero(s.pendingCalls(), "radio off MUST leave no pending call behind")
}

func (s *CentralSuite) TestDisconnectStates() {
	// GOAL: Verify disconnect of unknown and already disconnected peripherals
	//
	// TEST SCENARIO: Unknown → not found; connected → driver disconnect; disconnected → succeeds at once
	_, err := await(s.T(), s.ctrl.Disconnect(periphA))
	s.requireInvalidState(err, device.PeripheralNotFound, "disconnect unknown peripheral")

	s.connect(periphA)
	f := s.ctrl.Disconnect(periphA)
	s.driver.FireConnectionState(periphA, device.Disconnecting)
	requireUnresolved(s, f, "disconnect MUST wait for the driver")
	s.Equal(device.Disconnecting, s.peripheral(periphA).State)

	s.driver.FireDisconnected(periphA, device.StatusSuccess)
	_, err = await(s.T(), f)
	s.Require().NoError(err)
	s.Equal(device.Disconnected, s.peripheral(periphA).State)

	_, err = await(s.T(), s.ctrl.Disconnect(periphA))
	s.Require().NoError(err, "disconnecting a disconnected peripheral MUST succeed")
	s.Len(s.driver.CallsOf(testutils.OpDisconnect), 1)
}

func (s *CentralSuite) TestDisconnectFailsPendingCallsAndSubscriptions() {
	// GOAL: Verify disconnecting with an outstanding discovery fails it and removes subscriptions
	//
	// TEST SCENARIO: Subscribed A with pending discoverCharacteristics → disconnect → discovery fails
	// with peripheral_disconnected → subscriptions gone → services kept
	s.ready(periphA)
	sub := s.ctrl.Subscribe(periphA, svcHeartRate, chrHRM, noopListener())
	s.driver.FireNotifyState(periphA, refHRM, true, device.StatusSuccess)
	_, err := await(s.T(), sub)
	s.Require().NoError(err)
	s.Len(s.peripheral(periphA).Subscriptions, 1)

	discovery := s.ctrl.DiscoverCharacteristics(periphA, svcBattery)
	disc := s.ctrl.Disconnect(periphA)
	s.settle()
	s.driver.FireDisconnected(periphA, device.StatusSuccess)

	_, err = await(s.T(), discovery)
	s.requireInvalidState(err, device.PeripheralDisconnected, "pending discovery on disconnect")
	_, err = await(s.T(), disc)
	s.Require().NoError(err)

	p := s.peripheral(periphA)
	s.Empty(p.Subscriptions, "subscriptions MUST be removed on disconnect")
	s.Len(p.Services, 2, "discovered services MUST survive disconnection")
	s.Zero(s.pendingCalls())
}

func (s *CentralSuite) TestUnsolicitedLinkLoss() {
	// GOAL: Verify an unsolicited link loss fails every pending call of that peripheral only
	//
	// TEST SCENARIO: A and B connected with pending reads → A drops → A read fails, B read unaffected
	s.ready(periphA)
	s.ready(periphB)
	events := s.ctrl.Events(8)
	defer events.Close()

	readA := s.ctrl.Read(periphA, svcHeartRate, chrHRM)
	rssiA := s.ctrl.ReadRSSI(periphA)
	readB := s.ctrl.Read(periphB, svcHeartRate, chrHRM)

	s.driver.FireDisconnected(periphA, device.StatusOutOfRange)

	_, err := await(s.T(), readA)
	s.requireInvalidState(err, device.PeripheralDisconnected, "read on dropped link")
	s.Contains(err.Error(), "read interrupted by disconnection")
	_, err = await(s.T(), rssiA)
	s.requireInvalidState(err, device.PeripheralDisconnected, "rssi on dropped link")
	requireUnresolved(s, readB, "other peripherals MUST NOT be affected")

	ev := nextEvent(s, events, EventPeripheralDisconnected)
	s.Equal(periphA, ev.PeripheralID)
	s.Equal(device.StatusOutOfRange, ev.Status)

	s.driver.FireRead(periphB, refHRM, []byte{7}, device.StatusSuccess)
	v, err := await(s.T(), readB)
	s.Require().NoError(err)
	s.Equal([]byte{7}, v)
}

func (s *CentralSuite) TestConnectTimeoutMovesQueueOn() {
	// GOAL: Verify a connect deadline fails the attempt, cancels it at the driver and dispatches the next
	//
	// TEST SCENARIO: Connect timeout 200ms → A never connects → A times out → driver disconnect(A) → B dispatched
	s.restart(Options{ConnectTimeout: 200 * time.Millisecond})

	a := s.ctrl.Connect(periphA)
	b := s.ctrl.Connect(periphB)

	_, err := await(s.T(), a)
	s.ErrorIs(err, device.ErrTimeout)
	s.requireInvalidState(err, device.UnknownFailure, "timed out connect")

	s.Eventually(func() bool {
		return len(s.driver.CallsOf(testutils.OpConnect)) == 2
	}, time.Second, 5*time.Millisecond, "next attempt MUST be dispatched after a timeout")
	disconnects := s.driver.CallsOf(testutils.OpDisconnect)
	s.Require().Len(disconnects, 1)
	s.Equal(periphA, disconnects[0].ID)

	s.settle()
	s.driver.FireConnected(periphB)
	_, err = await(s.T(), b)
	s.Require().NoError(err, "the next attempt MUST get its own deadline")
}

func (s *CentralSuite) TestRadioOffTearsEverythingDown() {
	// GOAL: Verify powering the radio off fails queued and pending work and forgets peripherals
	//
	// TEST SCENARIO: A connected with pending read, B in flight, C queued, scanning → radio off →
	// read fails disconnected, B and C fail radio_disabled, scan stops, registry empty
	s.ready(periphA)
	read := s.ctrl.Read(periphA, svcHeartRate, chrHRM)
	b := s.ctrl.Connect(periphB)
	c := s.ctrl.Connect(periphC)
	_, err := await(s.T(), s.ctrl.Scan(ScanOptions{}))
	s.Require().NoError(err)
	s.settle()

	s.driver.FireRadioState(device.RadioPoweredOff)

	_, err = await(s.T(), read)
	s.requireInvalidState(err, device.PeripheralDisconnected, "pending read on radio off")
	_, err = await(s.T(), b)
	s.requireInvalidState(err, device.RadioDisabled, "in-flight connect on radio off")
	_, err = await(s.T(), c)
	s.requireInvalidState(err, device.RadioDisabled, "queued connect on radio off")

	scanning, err := await(s.T(), s.ctrl.Scanning())
	s.Require().NoError(err)
	s.False(scanning)
	s.Len(s.driver.CallsOf(testutils.OpStopScan), 1)

	all, err := await(s.T(), s.ctrl.Peripherals())
	s.Require().NoError(err)
	s.Empty(all, "powering off MUST forget every peripheral")
	s.Zero(s.pendingCalls())

	s.driver.FireRadioState(device.RadioPoweredOn)
	s.connect(periphA)
}
