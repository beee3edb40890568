package central

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/notify"
	"github.com/srg/blecentral/internal/testutils"
)

func noopListener() notify.Listener {
	return notify.ListenerFunc(func(notify.Notification) {})
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnNotification(n notify.Notification) {
	m.Called(n.Peripheral, n.Char, n.Value)
}

// valueRecorder collects notification payloads.
type valueRecorder struct {
	mu     sync.Mutex
	values [][]byte
}

func (r *valueRecorder) OnNotification(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, n.Value)
}

func (r *valueRecorder) got() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.values...)
}

func (s *CentralSuite) subscribe(id string, ref device.CharRef, l notify.Listener) *notify.Subscription {
	before := len(s.driver.CallsOf(testutils.OpSetNotify))
	f := s.ctrl.Subscribe(id, ref.Service, ref.Characteristic, l)
	s.settle()
	if len(s.driver.CallsOf(testutils.OpSetNotify)) > before {
		s.driver.FireNotifyState(id, ref, true, device.StatusSuccess)
	}
	sub, err := await(s.T(), f)
	s.Require().NoError(err)
	return sub
}

func (s *CentralSuite) TestNotificationsBypassPendingRead() {
	// GOAL: Verify notifications reach the listener in order without touching a pending read
	//
	// TEST SCENARIO: subscribe(A, HRM, L) → read pending → three notifications → L gets three values in
	// order → read still pending → read response resolves the read only
	s.ready(periphA)

	l := new(mockListener)
	for _, v := range [][]byte{{1}, {2}, {3}} {
		l.On("OnNotification", periphA, refHRM, v).Once()
	}
	s.subscribe(periphA, refHRM, l)

	read := s.ctrl.Read(periphA, svcHeartRate, chrHRM)
	s.driver.FireValue(periphA, refHRM, []byte{1})
	s.driver.FireValue(periphA, refHRM, []byte{2})
	s.driver.FireValue(periphA, refHRM, []byte{3})

	requireUnresolved(s, read, "notifications MUST NOT resolve a pending read")
	l.AssertExpectations(s.T())
	l.AssertNumberOfCalls(s.T(), "OnNotification", 3)
	var order [][]byte
	for _, c := range l.Calls {
		order = append(order, c.Arguments.Get(2).([]byte))
	}
	s.Equal([][]byte{{1}, {2}, {3}}, order, "values MUST arrive in delivery order")

	s.driver.FireRead(periphA, refHRM, []byte{9}, device.StatusSuccess)
	v, err := await(s.T(), read)
	s.Require().NoError(err)
	s.Equal([]byte{9}, v)
	l.AssertNumberOfCalls(s.T(), "OnNotification", 3)
}

func (s *CentralSuite) TestSubscribeRecordsOnlyOnSuccess() {
	// GOAL: Verify a refused notification enable leaves no subscription behind
	//
	// TEST SCENARIO: Subscribe → driver reports CCCD misconfigured → error → no subscription → retry succeeds
	s.ready(periphA)

	f := s.ctrl.Subscribe(periphA, svcHeartRate, chrHRM, noopListener())
	s.driver.FireNotifyState(periphA, refHRM, false, device.StatusCCCDImproperlyConfd)
	_, err := await(s.T(), f)
	s.requireKind(err, device.KindRadioResponse, "refused subscribe")
	s.Empty(s.peripheral(periphA).Subscriptions)

	rec := &valueRecorder{}
	s.subscribe(periphA, refHRM, rec)
	s.Equal([]device.CharRef{refHRM}, s.peripheral(periphA).Subscriptions)
}

func (s *CentralSuite) TestSecondListenerSharesSubscription() {
	// GOAL: Verify a second listener joins an active subscription without another driver call
	//
	// TEST SCENARIO: L1 subscribes → L2 subscribes → one set_notify → both receive → L1 leaves →
	// L2 still receives → L2 leaves → notifications disabled
	s.ready(periphA)
	l1, l2 := &valueRecorder{}, &valueRecorder{}

	sub1 := s.subscribe(periphA, refHRM, l1)
	sub2 := s.subscribe(periphA, refHRM, l2)
	s.NotEqual(sub1.ID, sub2.ID)
	s.Len(s.driver.CallsOf(testutils.OpSetNotify), 1, "the second listener MUST NOT re-enable notifications")

	s.driver.FireValue(periphA, refHRM, []byte{1})
	s.settle()
	s.Equal([][]byte{{1}}, l1.got())
	s.Equal([][]byte{{1}}, l2.got())

	_, err := await(s.T(), s.ctrl.Unlisten(sub1))
	s.Require().NoError(err)
	s.Len(s.driver.CallsOf(testutils.OpSetNotify), 1, "notifications MUST stay on while a listener remains")

	s.driver.FireValue(periphA, refHRM, []byte{2})
	s.settle()
	s.Equal([][]byte{{1}}, l1.got())
	s.Equal([][]byte{{1}, {2}}, l2.got())

	f := s.ctrl.Unlisten(sub2)
	s.driver.FireNotifyState(periphA, refHRM, false, device.StatusSuccess)
	_, err = await(s.T(), f)
	s.Require().NoError(err)

	calls := s.driver.CallsOf(testutils.OpSetNotify)
	s.Require().Len(calls, 2)
	s.False(calls[1].Enabled)
	s.Empty(s.peripheral(periphA).Subscriptions)

	_, err = await(s.T(), s.ctrl.Unlisten(sub2))
	s.Require().NoError(err, "unlistening twice MUST succeed")
}

func (s *CentralSuite) TestUnsubscribeRemovesStateEvenOnFailure() {
	// GOAL: Verify unsubscribe drops the local subscription even when the driver fails to disable it
	//
	// TEST SCENARIO: Subscribed → unsubscribe → driver reports failure → error surfaced → subscription gone
	s.ready(periphA)
	rec := &valueRecorder{}
	s.subscribe(periphA, refHRM, rec)

	f := s.ctrl.Unsubscribe(periphA, svcHeartRate, chrHRM)
	s.driver.FireNotifyState(periphA, refHRM, true, device.StatusUnlikelyError)
	_, err := await(s.T(), f)
	s.requireKind(err, device.KindRadioResponse, "failed disable")

	s.Empty(s.peripheral(periphA).Subscriptions, "stale subscriptions MUST NOT leak")
	s.driver.FireValue(periphA, refHRM, []byte{5})
	s.settle()
	s.Empty(rec.got(), "a removed listener MUST NOT be invoked")

	_, err = await(s.T(), s.ctrl.Unsubscribe(periphA, svcHeartRate, chrHRM))
	s.Require().NoError(err, "unsubscribing an inactive characteristic MUST succeed")

	_, err = await(s.T(), s.ctrl.Unsubscribe(periphB, svcHeartRate, chrHRM))
	s.requireInvalidState(err, device.PeripheralNotFound, "unsubscribe on unknown peripheral")
}

func (s *CentralSuite) TestUnsubscribeDuringPendingEnableIsRejected() {
	// GOAL: Verify unsubscribe cannot silently succeed while the enable it should undo is still pending
	//
	// TEST SCENARIO: subscribe pending → unsubscribe rejected in progress → enable confirmed →
	// unsubscribe disables through the driver → no subscription left
	s.ready(periphA)
	sub := s.ctrl.Subscribe(periphA, svcHeartRate, chrHRM, noopListener())
	s.settle()
	s.Require().Len(s.driver.CallsOf(testutils.OpSetNotify), 1)

	_, err := await(s.T(), s.ctrl.Unsubscribe(periphA, svcHeartRate, chrHRM))
	s.requireInvalidState(err, device.UnknownFailure, "unsubscribe during pending enable")
	s.ErrorIs(err, device.ErrInProgress)

	s.driver.FireNotifyState(periphA, refHRM, true, device.StatusSuccess)
	_, err = await(s.T(), sub)
	s.Require().NoError(err)

	f := s.ctrl.Unsubscribe(periphA, svcHeartRate, chrHRM)
	s.settle()
	calls := s.driver.CallsOf(testutils.OpSetNotify)
	s.Require().Len(calls, 2, "unsubscribe MUST disable notifications once the enable is confirmed")
	s.False(calls[1].Enabled)
	s.driver.FireNotifyState(periphA, refHRM, false, device.StatusSuccess)
	_, err = await(s.T(), f)
	s.Require().NoError(err)
	s.Empty(s.peripheral(periphA).Subscriptions)
}

func (s *CentralSuite) TestSubscribeBufferedDeliversBatches() {
	// GOAL: Verify buffered subscriptions deliver full batches and flush the remainder on unsubscribe
	//
	// TEST SCENARIO: Buffered(size 2) → five values → two batches of two → unsubscribe → final batch of one
	s.ready(periphA)

	var (
		mu      sync.Mutex
		batches [][]byte
	)
	f := s.ctrl.SubscribeBuffered(periphA, svcHeartRate, chrHRM, 2, func(ns []notify.Notification) {
		mu.Lock()
		defer mu.Unlock()
		var batch []byte
		for _, n := range ns {
			batch = append(batch, n.Value...)
		}
		batches = append(batches, batch)
	})
	s.driver.FireNotifyState(periphA, refHRM, true, device.StatusSuccess)
	_, err := await(s.T(), f)
	s.Require().NoError(err)

	for i := byte(1); i <= 5; i++ {
		s.driver.FireValue(periphA, refHRM, []byte{i})
	}
	s.settle()

	u := s.ctrl.Unsubscribe(periphA, svcHeartRate, chrHRM)
	s.driver.FireNotifyState(periphA, refHRM, false, device.StatusSuccess)
	_, err = await(s.T(), u)
	s.Require().NoError(err)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([][]byte{{1, 2}, {3, 4}, {5}}, batches)

	_, err = await(s.T(), s.ctrl.SubscribeBuffered(periphA, svcHeartRate, chrHRM, 0, func([]notify.Notification) {}))
	s.requireKind(err, device.KindInvalidArgument, "zero buffer size")
}

func (s *CentralSuite) TestPanickingListenerIsIsolated() {
	s.ready(periphA)
	rec := &valueRecorder{}
	s.subscribe(periphA, refHRM, notify.ListenerFunc(func(notify.Notification) { panic("listener bug") }))
	s.subscribe(periphA, refHRM, rec)

	s.driver.FireValue(periphA, refHRM, []byte{1})
	s.settle()

	s.Equal([][]byte{{1}}, rec.got(), "other listeners MUST still be invoked")
	_, err := await(s.T(), s.ctrl.RadioState())
	s.Require().NoError(err, "the serial context MUST survive a listener panic")
}
