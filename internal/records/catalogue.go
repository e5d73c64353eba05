// Package records turns a node snapshot into tagged metric records drawn from
// a fixed catalogue of gauge descriptors.
package records

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUndeclaredMetric is returned for records whose name is not in the catalogue.
var ErrUndeclaredMetric = errors.New("undeclared metric")

// Descriptor declares a metric the agent may emit.
type Descriptor struct {
	Name    string
	Help    string
	Unit    string
	TagKeys []string
}

// Tag keys shared by groups of descriptors.
var (
	NodeTagKeys      = []string{"ip", "Version", "SessionName", "IsHeadNode"}
	GPUTagKeys       = append(append([]string{}, NodeTagKeys...), "GpuDeviceName", "GpuIndex")
	TPUTagKeys       = append(append([]string{}, NodeTagKeys...), "TpuDeviceName", "TpuIndex", "TpuType", "TpuTopology")
	ClusterTagKeys   = []string{"node_type", "Version", "SessionName"}
	ComponentTagKeys = []string{"ip", "pid", "Version", "Component", "SessionName"}
)

// Metric names.
const (
	NodeCPUUtilization = "node_cpu_utilization"
	NodeCPUCount       = "node_cpu_count"
	NodeMemUsed        = "node_mem_used"
	NodeMemAvailable   = "node_mem_available"
	NodeMemTotal       = "node_mem_total"
	NodeMemSharedBytes = "node_mem_shared_bytes"

	NodeGPUsAvailable   = "node_gpus_available"
	NodeGPUsUtilization = "node_gpus_utilization"
	NodeGRAMUsed        = "node_gram_used"
	NodeGRAMAvailable   = "node_gram_available"

	TPUTensorCoreUtilization = "tpu_tensorcore_utilization"
	TPUMemoryBandwidth       = "tpu_memory_bandwidth_utilization"
	TPUDutyCycle             = "tpu_duty_cycle"
	TPUMemoryUsed            = "tpu_memory_used"
	TPUMemoryTotal           = "tpu_memory_total"

	NodeDiskIORead       = "node_disk_io_read"
	NodeDiskIOWrite      = "node_disk_io_write"
	NodeDiskIOReadCount  = "node_disk_io_read_count"
	NodeDiskIOWriteCount = "node_disk_io_write_count"
	NodeDiskIOReadSpeed  = "node_disk_io_read_speed"
	NodeDiskIOWriteSpeed = "node_disk_io_write_speed"
	NodeDiskReadIOPS     = "node_disk_read_iops"
	NodeDiskWriteIOPS    = "node_disk_write_iops"
	NodeDiskUsage        = "node_disk_usage"
	NodeDiskFree         = "node_disk_free"
	NodeDiskUtilization  = "node_disk_utilization_percentage"

	NodeNetworkSent         = "node_network_sent"
	NodeNetworkReceived     = "node_network_received"
	NodeNetworkSendSpeed    = "node_network_send_speed"
	NodeNetworkReceiveSpeed = "node_network_receive_speed"

	ComponentCPUPercentage  = "component_cpu_percentage"
	ComponentMemSharedBytes = "component_mem_shared_bytes"
	ComponentRSSMB          = "component_rss_mb"
	ComponentUSSMB          = "component_uss_mb"
	ComponentNumFDs         = "component_num_fds"

	ClusterActiveNodes  = "cluster_active_nodes"
	ClusterFailedNodes  = "cluster_failed_nodes"
	ClusterPendingNodes = "cluster_pending_nodes"
)

var catalogue = func() map[string]Descriptor {
	ds := []Descriptor{
		{NodeCPUUtilization, "Total CPU usage on a ray node", "percentage", NodeTagKeys},
		{NodeCPUCount, "Total CPUs available on a ray node", "cores", NodeTagKeys},
		{NodeMemUsed, "Memory usage on a ray node", "bytes", NodeTagKeys},
		{NodeMemAvailable, "Memory available on a ray node", "bytes", NodeTagKeys},
		{NodeMemTotal, "Total memory on a ray node", "bytes", NodeTagKeys},
		{NodeMemSharedBytes, "Total shared memory usage on a ray node", "bytes", NodeTagKeys},

		{NodeGPUsAvailable, "Total GPUs available on a ray node", "percentage", GPUTagKeys},
		{NodeGPUsUtilization, "Total GPUs usage on a ray node", "percentage", GPUTagKeys},
		{NodeGRAMUsed, "Total GPU RAM usage on a ray node", "bytes", GPUTagKeys},
		{NodeGRAMAvailable, "Total GPU RAM available on a ray node", "bytes", GPUTagKeys},

		{TPUTensorCoreUtilization, "Percentage TPU tensorcore utilization on a ray node, value should be between 0 and 100", "percentage", TPUTagKeys},
		{TPUMemoryBandwidth, "Percentage TPU memory bandwidth utilization on a ray node, value should be between 0 and 100", "percentage", TPUTagKeys},
		{TPUDutyCycle, "Percentage of time during which the TPU was actively processing, value should be between 0 and 100", "percentage", TPUTagKeys},
		{TPUMemoryUsed, "Total memory used by the accelerator in bytes", "bytes", TPUTagKeys},
		{TPUMemoryTotal, "Total memory allocatable by the accelerator in bytes", "bytes", TPUTagKeys},

		{NodeDiskIORead, "Total read from disk", "bytes", NodeTagKeys},
		{NodeDiskIOWrite, "Total written to disk", "bytes", NodeTagKeys},
		{NodeDiskIOReadCount, "Total read ops from disk", "io", NodeTagKeys},
		{NodeDiskIOWriteCount, "Total write ops to disk", "io", NodeTagKeys},
		{NodeDiskIOReadSpeed, "Disk read speed", "bytes/sec", NodeTagKeys},
		{NodeDiskIOWriteSpeed, "Disk write speed", "bytes/sec", NodeTagKeys},
		{NodeDiskReadIOPS, "Disk read iops", "iops", NodeTagKeys},
		{NodeDiskWriteIOPS, "Disk write iops", "iops", NodeTagKeys},
		{NodeDiskUsage, "Total disk usage (bytes) on a ray node", "bytes", NodeTagKeys},
		{NodeDiskFree, "Total disk free (bytes) on a ray node", "bytes", NodeTagKeys},
		{NodeDiskUtilization, "Total disk utilization (percentage) on a ray node", "percentage", NodeTagKeys},

		{NodeNetworkSent, "Total network sent", "bytes", NodeTagKeys},
		{NodeNetworkReceived, "Total network received", "bytes", NodeTagKeys},
		{NodeNetworkSendSpeed, "Network send speed", "bytes/sec", NodeTagKeys},
		{NodeNetworkReceiveSpeed, "Network receive speed", "bytes/sec", NodeTagKeys},

		{ComponentCPUPercentage, "Total CPU usage of the components on a node.", "percentage", ComponentTagKeys},
		{ComponentMemSharedBytes, "SHM usage of all components of the node. It is equivalent to the top command's SHR column.", "bytes", ComponentTagKeys},
		{ComponentRSSMB, "RSS usage of all components on the node.", "MB", ComponentTagKeys},
		{ComponentUSSMB, "USS usage of all components on the node.", "MB", ComponentTagKeys},
		{ComponentNumFDs, "Number of open fds of all components on the node (Not available on Windows).", "count", ComponentTagKeys},

		{ClusterActiveNodes, "Active nodes on the cluster", "count", ClusterTagKeys},
		{ClusterFailedNodes, "Failed nodes on the cluster", "count", ClusterTagKeys},
		{ClusterPendingNodes, "Pending nodes on the cluster", "count", ClusterTagKeys},
	}
	m := make(map[string]Descriptor, len(ds))
	for _, d := range ds {
		m[d.Name] = d
	}
	return m
}()

// Lookup returns the descriptor declared under name.
func Lookup(name string) (Descriptor, bool) {
	d, ok := catalogue[name]
	return d, ok
}

// Check returns ErrUndeclaredMetric, wrapped with the name, unless name is declared.
func Check(name string) error {
	if _, ok := catalogue[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUndeclaredMetric, name)
	}
	return nil
}

// Catalogue returns every declared descriptor ordered by name.
func Catalogue() []Descriptor {
	out := make([]Descriptor, 0, len(catalogue))
	for _, d := range catalogue {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
