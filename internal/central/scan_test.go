package central

import (
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils"
)

// nextEvent returns the next event of the given type, skipping others.
func nextEvent(s *CentralSuite, sub *EventSubscription, want EventType) Event {
	timeout := time.After(awaitTimeout)
	for {
		select {
		case ev, ok := <-sub.C():
			s.Require().True(ok, "event stream closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			s.FailNow("no event", "timed out waiting for %s", want)
			return Event{}
		}
	}
}

func advertisement(id, name string, rssi int, services ...string) device.Discovery {
	return device.Discovery{
		ID:   id,
		RSSI: rssi,
		Advertisement: device.Advertisement{
			LocalName:    name,
			Connectable:  true,
			ServiceUUIDs: services,
		},
	}
}

func (s *CentralSuite) TestScanFiltersAndStopsAutomatically() {
	// GOAL: Verify a timed scan applies its service filter and stops on its own
	//
	// TEST SCENARIO: Scan(180D, 100ms) → matching and non-matching adverts → only the match is known →
	// scan stops → ScanStopped event
	events := s.ctrl.Events(16)
	defer events.Close()

	_, err := await(s.T(), s.ctrl.Scan(ScanOptions{ServiceUUIDs: []string{"180D"}, Duration: 100 * time.Millisecond}))
	s.Require().NoError(err)

	starts := s.driver.CallsOf(testutils.OpStartScan)
	s.Require().Len(starts, 1)
	s.Equal([]string{svcHeartRate}, starts[0].Filter.ServiceUUIDs, "the driver MUST receive normalized filters")

	s.driver.FireDiscovered(advertisement(periphA, "HeartRate", -40, svcHeartRate))
	s.driver.FireDiscovered(advertisement(periphB, "Thermometer", -70, "1809"))

	ev := nextEvent(s, events, EventPeripheralDiscovered)
	s.Equal(periphA, ev.PeripheralID)
	s.Equal("HeartRate", ev.Peripheral.Name)

	ev = nextEvent(s, events, EventScanStopped)
	s.False(ev.Time.IsZero())
	s.Len(s.driver.CallsOf(testutils.OpStopScan), 1)

	all, err := await(s.T(), s.ctrl.Peripherals())
	s.Require().NoError(err)
	s.Require().Len(all, 1, "advertisements outside the filter MUST be ignored")
	s.Equal(periphA, all[0].ID)
	s.Equal(-40, all[0].RSSI)

	scanning, err := await(s.T(), s.ctrl.Scanning())
	s.Require().NoError(err)
	s.False(scanning)
}

func (s *CentralSuite) TestScanUpdatesKnownPeripheral() {
	_, err := await(s.T(), s.ctrl.Scan(ScanOptions{AllowDuplicates: true}))
	s.Require().NoError(err)
	s.True(s.driver.CallsOf(testutils.OpStartScan)[0].Filter.AllowDuplicates)

	s.driver.FireDiscovered(advertisement(periphA, "HeartRate", -40))
	s.driver.FireDiscovered(advertisement(periphA, "", -55))

	p := s.peripheral(periphA)
	s.Equal("HeartRate", p.Name, "a nameless advertisement MUST NOT erase the name")
	s.Equal(-55, p.RSSI)

	_, err = await(s.T(), s.ctrl.StopScan())
	s.Require().NoError(err)
	_, err = await(s.T(), s.ctrl.StopScan())
	s.Require().NoError(err, "stopping an idle scan MUST succeed")
	s.Len(s.driver.CallsOf(testutils.OpStopScan), 1)
}

func (s *CentralSuite) TestScanForgetsIdlePeripherals() {
	// GOAL: Verify a new scan forgets disconnected peripherals and keeps connected and queued ones
	//
	// TEST SCENARIO: A connected, B in flight, C queued, D seen earlier → scan → D forgotten, others kept
	const periphD = "AA:BB:CC:DD:EE:04"
	_, err := await(s.T(), s.ctrl.Scan(ScanOptions{}))
	s.Require().NoError(err)
	s.driver.FireDiscovered(advertisement(periphD, "Old", -80))
	_, err = await(s.T(), s.ctrl.StopScan())
	s.Require().NoError(err)

	s.connect(periphA)
	s.ctrl.Connect(periphB)
	s.ctrl.Connect(periphC)
	s.settle()

	_, err = await(s.T(), s.ctrl.Scan(ScanOptions{}))
	s.Require().NoError(err)

	all, err := await(s.T(), s.ctrl.Peripherals())
	s.Require().NoError(err)
	var ids []string
	for _, p := range all {
		ids = append(ids, p.ID)
	}
	s.Equal([]string{periphA, periphB, periphC}, ids)
}

func (s *CentralSuite) TestDiscoveryOutsideScanIgnored() {
	s.driver.FireDiscovered(advertisement(periphA, "Stray", -40))

	all, err := await(s.T(), s.ctrl.Peripherals())
	s.Require().NoError(err)
	s.Empty(all)
}

func (s *CentralSuite) TestScanRejectedByDriver() {
	s.driver.FailNext(testutils.OpStartScan, device.NewInvalidState(device.UIResourceUnavailable, "scanner busy"))

	_, err := await(s.T(), s.ctrl.Scan(ScanOptions{}))
	s.requireInvalidState(err, device.UIResourceUnavailable, "taxonomy errors from the driver MUST pass through")

	scanning, err := await(s.T(), s.ctrl.Scanning())
	s.Require().NoError(err)
	s.False(scanning)
}

func (s *CentralSuite) TestConnectedPeripheralsByService() {
	s.ready(periphA)
	s.connect(periphB)

	all, err := await(s.T(), s.ctrl.ConnectedPeripherals())
	s.Require().NoError(err)
	s.Len(all, 2)

	hr, err := await(s.T(), s.ctrl.ConnectedPeripherals("0x180D"))
	s.Require().NoError(err)
	s.Require().Len(hr, 1)
	s.Equal(periphA, hr[0].ID)

	_, err = await(s.T(), s.ctrl.ConnectedPeripherals("nope"))
	s.requireKind(err, device.KindInvalidArgument, "malformed service filter")

	connected, err := await(s.T(), s.ctrl.IsConnected(periphB))
	s.Require().NoError(err)
	s.True(connected)
	connected, err = await(s.T(), s.ctrl.IsConnected(periphC))
	s.Require().NoError(err)
	s.False(connected)
}

func (s *CentralSuite) TestRemovePeripheral() {
	_, err := await(s.T(), s.ctrl.RemovePeripheral(periphA))
	s.requireInvalidState(err, device.PeripheralNotFound, "remove unknown peripheral")

	s.connect(periphA)
	_, err = await(s.T(), s.ctrl.RemovePeripheral(periphA))
	s.requireInvalidState(err, device.OperationNotSupported, "remove connected peripheral")

	s.driver.FireDisconnected(periphA, device.StatusSuccess)
	_, err = await(s.T(), s.ctrl.RemovePeripheral(periphA))
	s.Require().NoError(err)

	_, err = await(s.T(), s.ctrl.Peripheral(periphA))
	s.requireInvalidState(err, device.PeripheralNotFound, "removed peripheral")
}

func (s *CentralSuite) TestSnapshotsAreIsolated() {
	s.ready(periphA)

	p := s.peripheral(periphA)
	p.Name = "mutated"
	p.Services[0].UUID = "ffff"

	fresh := s.peripheral(periphA)
	s.Empty(fresh.Name)
	s.Equal(svcHeartRate, fresh.Services[0].UUID, "snapshots MUST NOT alias registry state")
}

func (s *CentralSuite) TestEventStream() {
	// GOAL: Verify connection, value and radio events are published in order
	//
	// TEST SCENARIO: Subscribe to events → connect → notification → disconnect → radio off
	events := s.ctrl.Events(0)
	defer events.Close()

	s.ready(periphA)
	s.subscribe(periphA, refHRM, noopListener())
	s.driver.FireValue(periphA, refHRM, []byte{0x42})
	s.driver.FireDisconnected(periphA, device.StatusSuccess)
	s.driver.FireRadioState(device.RadioPoweredOff)

	ev := nextEvent(s, events, EventPeripheralConnected)
	s.Equal(periphA, ev.PeripheralID)
	s.Equal(device.Connected, ev.Peripheral.State)

	ev = nextEvent(s, events, EventValueChanged)
	s.Equal(refHRM, ev.Char)
	s.Equal([]byte{0x42}, ev.Value)

	ev = nextEvent(s, events, EventPeripheralDisconnected)
	s.Equal(periphA, ev.PeripheralID)

	ev = nextEvent(s, events, EventRadioStateChanged)
	s.Equal(device.RadioPoweredOff, ev.RadioState)

	state, err := await(s.T(), s.ctrl.CheckState())
	s.Require().NoError(err)
	s.Equal(device.RadioPoweredOff, state)
	ev = nextEvent(s, events, EventRadioStateChanged)
	s.Equal(device.RadioPoweredOff, ev.RadioState)

	s.Zero(events.Dropped())
}

func (s *CentralSuite) TestSlowEventConsumerLosesOldest() {
	events := s.ctrl.Events(2)
	defer events.Close()

	_, err := await(s.T(), s.ctrl.Scan(ScanOptions{AllowDuplicates: true}))
	s.Require().NoError(err)
	for rssi := -50; rssi > -55; rssi-- {
		s.driver.FireDiscovered(advertisement(periphA, "HR", rssi))
	}
	s.settle()

	s.Equal(int64(3), events.Dropped())
	first := <-events.C()
	second := <-events.C()
	s.Equal(-53, first.Peripheral.RSSI)
	s.Equal(-54, second.Peripheral.RSSI, "the newest events MUST be kept")
}
