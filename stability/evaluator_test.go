package stability

import "testing"

func baseAgreement() Agreement {
	return Agreement{
		Role:          RoleReceiver,
		PegUSD:        USD(100, 0),
		NoOpBandUSD:   USD(0, 10),
		MaxPaymentUSD: USD(1_000_000, 0),
	}
}

func readySnapshot(ourSat, theirSat Sat) Snapshot {
	return Snapshot{
		CapacitySat:       ourSat + theirSat + 50_000,
		OurSpendableSat:   ourSat,
		TheirSpendableSat: theirSat,
		OurReserveSat:     1_000,
		TheirReserveSat:   1_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
}

// Scenario 1: stable tick, no payment.
func TestEvaluateStable(t *testing.T) {
	a := baseAgreement()
	price := PriceFromFloat(50_000)
	snap := readySnapshot(200_000, 800_000)

	d := Evaluate(a, price, snap)
	if d.Action != ActionNoOp {
		t.Fatalf("expected NoOp, got %v (reason %v)", d.Action, d.Reason)
	}
}

// Scenario 2: price up 10%, Receiver pays.
func TestEvaluateReceiverPays(t *testing.T) {
	a := baseAgreement()
	price := PriceFromFloat(55_000)
	snap := readySnapshot(200_000, 800_000)

	d := Evaluate(a, price, snap)
	if d.Action != ActionPay || d.Direction != DirectionReceiverToProvider {
		t.Fatalf("expected ReceiverPays, got action=%v dir=%v reason=%v", d.Action, d.Direction, d.Reason)
	}
	if d.AmountSat != 18181 {
		t.Fatalf("expected 18181 sat, got %d", d.AmountSat)
	}
}

// Scenario 3: price down 10%, Provider pays.
func TestEvaluateProviderPays(t *testing.T) {
	a := baseAgreement()
	price := PriceFromFloat(45_000)
	snap := readySnapshot(200_000, 800_000)

	d := Evaluate(a, price, snap)
	if d.Action != ActionPay || d.Direction != DirectionProviderToReceiver {
		t.Fatalf("expected ProviderPays, got action=%v dir=%v reason=%v", d.Action, d.Direction, d.Reason)
	}
	if d.AmountSat != 22222 {
		t.Fatalf("expected 22222 sat, got %d", d.AmountSat)
	}
}

// Scenario 4: insolvent Provider on a price crash.
func TestEvaluateInsolvent(t *testing.T) {
	a := baseAgreement()
	price := PriceFromFloat(10_000)
	// Provider side barely above its reserve: any payment covering the
	// ~90% drawdown the Receiver is owed exceeds what's spendable.
	snap := Snapshot{
		CapacitySat:       1_050_000,
		OurSpendableSat:   200_000,
		TheirSpendableSat: 1_500,
		OurReserveSat:     1_000,
		TheirReserveSat:   1_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}

	d := Evaluate(a, price, snap)
	if d.Action != ActionAbstain || d.Reason != ReasonInsolvent {
		t.Fatalf("expected Abstain(Insolvent), got action=%v reason=%v", d.Action, d.Reason)
	}
}

func TestEvaluateNotReady(t *testing.T) {
	a := baseAgreement()
	price := PriceFromFloat(50_000)
	snap := readySnapshot(200_000, 800_000)
	snap.PeerConnected = false

	d := Evaluate(a, price, snap)
	if d.Action != ActionAbstain || d.Reason != ReasonNotReady {
		t.Fatalf("expected Abstain(NotReady), got action=%v reason=%v", d.Action, d.Reason)
	}
}

// P4: determinism.
func TestEvaluateDeterministic(t *testing.T) {
	a := baseAgreement()
	price := PriceFromFloat(55_000)
	snap := readySnapshot(200_000, 800_000)

	first := Evaluate(a, price, snap)
	second := Evaluate(a, price, snap)
	if first != second {
		t.Fatalf("evaluator is not deterministic: %+v != %+v", first, second)
	}
}

// P6: within the no-op band always yields NoOp.
func TestEvaluateNoOpBand(t *testing.T) {
	a := baseAgreement()
	price := PriceFromFloat(50_003) // under a cent of drift ($0.006), within the $0.10 band.
	snap := readySnapshot(200_000, 800_000)

	d := Evaluate(a, price, snap)
	if d.Action != ActionNoOp {
		t.Fatalf("expected NoOp inside the band, got %v (delta=%v)", d.Action, d.DeltaUSD)
	}
}

// Provider-role agreements mirror the Receiver's view symmetrically.
func TestEvaluateProviderRoleSymmetric(t *testing.T) {
	a := baseAgreement()
	a.Role = RoleProvider
	price := PriceFromFloat(55_000)

	// From the Provider's own vantage point, "our" side is the Provider
	// and "their" side is the Receiver.
	snap := Snapshot{
		CapacitySat:       1_050_000,
		OurSpendableSat:   800_000,
		TheirSpendableSat: 200_000,
		OurReserveSat:     1_000,
		TheirReserveSat:   1_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}

	d := Evaluate(a, price, snap)
	if d.Action != ActionPay || d.Direction != DirectionReceiverToProvider {
		t.Fatalf("expected ReceiverPays from Provider's own evaluation, got action=%v dir=%v", d.Action, d.Direction)
	}
}
