package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordConnectionOpenedAndClosed(t *testing.T) {
	ConnectionsOpen.Reset()

	RecordConnectionOpened("node-a", "tcp")
	RecordConnectionOpened("node-a", "tcp")
	RecordConnectionOpened("node-a", "inproc")

	count := testutil.ToFloat64(ConnectionsOpen.WithLabelValues("node-a", "tcp"))
	if count != 2.0 {
		t.Errorf("Expected tcp count to be 2.0, got %f", count)
	}

	RecordConnectionClosed("node-a", "tcp")
	count = testutil.ToFloat64(ConnectionsOpen.WithLabelValues("node-a", "tcp"))
	if count != 1.0 {
		t.Errorf("Expected tcp count to be 1.0 after close, got %f", count)
	}

	count = testutil.ToFloat64(ConnectionsOpen.WithLabelValues("node-a", "inproc"))
	if count != 1.0 {
		t.Errorf("Expected inproc count to be 1.0, got %f", count)
	}
}

func TestRecordFrames(t *testing.T) {
	FramesSentTotal.Reset()
	FramesReceivedTotal.Reset()

	RecordFrameSent("node-a", "PropertyChanged")
	RecordFrameSent("node-a", "PropertyChanged")
	RecordFrameReceived("node-b", "PropertyChanged")

	if got := testutil.ToFloat64(FramesSentTotal.WithLabelValues("node-a", "PropertyChanged")); got != 2.0 {
		t.Errorf("Expected 2 sent frames, got %f", got)
	}
	if got := testutil.ToFloat64(FramesReceivedTotal.WithLabelValues("node-b", "PropertyChanged")); got != 1.0 {
		t.Errorf("Expected 1 received frame, got %f", got)
	}
}

func TestSetSourcesEnabled(t *testing.T) {
	SourcesEnabled.Reset()

	SetSourcesEnabled("node-a", 3)
	if got := testutil.ToFloat64(SourcesEnabled.WithLabelValues("node-a")); got != 3.0 {
		t.Errorf("Expected 3 sources, got %f", got)
	}

	SetSourcesEnabled("node-a", 0)
	if got := testutil.ToFloat64(SourcesEnabled.WithLabelValues("node-a")); got != 0.0 {
		t.Errorf("Expected 0 sources, got %f", got)
	}
}

func TestRecordReplicaState(t *testing.T) {
	ReplicaStateTransitionsTotal.Reset()

	RecordReplicaState("node-a", "Valid")
	RecordReplicaState("node-a", "Suspect")
	RecordReplicaState("node-a", "Valid")

	if got := testutil.ToFloat64(ReplicaStateTransitionsTotal.WithLabelValues("node-a", "Valid")); got != 2.0 {
		t.Errorf("Expected 2 transitions to Valid, got %f", got)
	}
	if got := testutil.ToFloat64(ReplicaStateTransitionsTotal.WithLabelValues("node-a", "Suspect")); got != 1.0 {
		t.Errorf("Expected 1 transition to Suspect, got %f", got)
	}
}

func TestRecordMethodCall(t *testing.T) {
	MethodCallsTotal.Reset()

	RecordMethodCall("node-a", "Counter", "increment", "success")
	RecordMethodCall("node-a", "Counter", "increment", "success")
	RecordMethodCall("node-a", "Counter", "increment", "failure")

	if got := testutil.ToFloat64(MethodCallsTotal.WithLabelValues("node-a", "Counter", "increment", "success")); got != 2.0 {
		t.Errorf("Expected 2 successful calls, got %f", got)
	}
	if got := testutil.ToFloat64(MethodCallsTotal.WithLabelValues("node-a", "Counter", "increment", "failure")); got != 1.0 {
		t.Errorf("Expected 1 failed call, got %f", got)
	}
}

func TestRecordMethodCallDuration(t *testing.T) {
	MethodCallDuration.Reset()

	RecordMethodCallDuration("node-b", "Counter", "get", "success", 0.05)

	expected := `
# HELP goreplica_method_call_duration Duration of method calls dispatched to sources in seconds
# TYPE goreplica_method_call_duration histogram
goreplica_method_call_duration_bucket{method_name="get",node="node-b",object_type="Counter",status="success",le="0.001"} 0
goreplica_method_call_duration_bucket{method_name="get",node="node-b",object_type="Counter",status="success",le="0.01"} 0
goreplica_method_call_duration_bucket{method_name="get",node="node-b",object_type="Counter",status="success",le="0.1"} 1
goreplica_method_call_duration_bucket{method_name="get",node="node-b",object_type="Counter",status="success",le="1"} 1
goreplica_method_call_duration_bucket{method_name="get",node="node-b",object_type="Counter",status="success",le="10"} 1
goreplica_method_call_duration_bucket{method_name="get",node="node-b",object_type="Counter",status="success",le="+Inf"} 1
goreplica_method_call_duration_sum{method_name="get",node="node-b",object_type="Counter",status="success"} 0.05
goreplica_method_call_duration_count{method_name="get",node="node-b",object_type="Counter",status="success"} 1
`
	if err := testutil.CollectAndCompare(MethodCallDuration, strings.NewReader(expected), "goreplica_method_call_duration"); err != nil {
		t.Fatalf("unexpected metric output: %v", err)
	}
}

func TestRecordCallTimeout(t *testing.T) {
	before := testutil.ToFloat64(CallTimeoutsTotal.WithLabelValues("node-c", "Counter"))
	RecordCallTimeout("node-c", "Counter")
	after := testutil.ToFloat64(CallTimeoutsTotal.WithLabelValues("node-c", "Counter"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got delta %f", after-before)
	}
}

func TestRegistryMetrics(t *testing.T) {
	RegistryEntries.Reset()
	RegistryRejectionsTotal.Reset()

	SetRegistryEntries("registry", 5)
	if got := testutil.ToFloat64(RegistryEntries.WithLabelValues("registry")); got != 5.0 {
		t.Errorf("Expected 5 entries, got %f", got)
	}

	RecordRegistryRejection("registry", "external_registration")
	RecordRegistryRejection("registry", "")
	if got := testutil.ToFloat64(RegistryRejectionsTotal.WithLabelValues("registry", "external_registration")); got != 1.0 {
		t.Errorf("Expected 1 rejection, got %f", got)
	}
	if got := testutil.ToFloat64(RegistryRejectionsTotal.WithLabelValues("registry", "unknown")); got != 1.0 {
		t.Errorf("Expected empty reason to be recorded as unknown, got %f", got)
	}
}

func TestRecordReconnectAttempt(t *testing.T) {
	ReconnectAttemptsTotal.Reset()

	for i := 0; i < 3; i++ {
		RecordReconnectAttempt("node-a")
	}
	if got := testutil.ToFloat64(ReconnectAttemptsTotal.WithLabelValues("node-a")); got != 3.0 {
		t.Errorf("Expected 3 attempts, got %f", got)
	}
}
