package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

func TestRegistryExposesStableMetricNames(t *testing.T) {
	t.Parallel()
	r := New()
	r.SetDeploymentCount(3)
	r.ObserveBlockTriggerCount(chainmodel.DeploymentID("dep-1"), 5)
	r.ObserveBlockProcessingDuration(chainmodel.DeploymentID("dep-1"), 0.01)
	r.ObserveTransactDuration(chainmodel.DeploymentID("dep-1"), 0.02)
	r.ObserveTriggerProcessingDuration(chainmodel.DeploymentID("dep-1"), "event", 0.001)
	r.SetRevertedBlocks(chainmodel.DeploymentID("dep-1"), 100)

	names := []string{
		"deployment_count",
		"deployment_block_trigger_count",
		"deployment_block_processing_duration",
		"deployment_transact_block_operations_duration",
		"deployment_trigger_processing_duration",
	}
	for _, name := range names {
		count, err := testutil.GatherAndCount(r.reg, name)
		if err != nil {
			t.Fatalf("gather %s: %v", name, err)
		}
		if count == 0 {
			t.Fatalf("expected metric %q to have been registered and observed", name)
		}
	}
}

func TestDeploymentCountGaugeValue(t *testing.T) {
	t.Parallel()
	r := New()
	r.SetDeploymentCount(7)
	if got := testutil.ToFloat64(r.deploymentCount); got != 7 {
		t.Fatalf("expected deployment_count=7, got %v", got)
	}
}

func TestNewServerBindsConfiguredAddress(t *testing.T) {
	t.Parallel()
	r := New()
	srv := NewServer(":0", r)
	if srv.httpServer.Addr != ":0" {
		t.Fatalf("unexpected addr: %s", srv.httpServer.Addr)
	}
	if srv.httpServer.Handler == nil {
		t.Fatalf("expected a router to be installed")
	}
}
