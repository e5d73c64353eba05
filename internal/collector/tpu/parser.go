package tpu

import (
	"bufio"
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

const (
	metricTensorCoreUtil = "tensorcore_utilization"
	metricMemBandwidth   = "memory_bandwidth_utilization"
	metricDutyCycle      = "duty_cycle"
	metricMemoryUsed     = "memory_used"
	metricMemoryTotal    = "memory_total"
)

type tpuLabels struct {
	acceleratorID string
	model         string
	topology      string
}

// parsedSample represents a single parsed Prometheus metric sample.
type parsedSample struct {
	name   string
	labels tpuLabels
	value  float64
}

// ParseTPUMetrics parses device plugin exposition text and returns one
// merged record per chip, ordered by ascending chip index.
func ParseTPUMetrics(data []byte) []model.TPUInfo {
	chips := make(map[int]*model.TPUInfo)

	for _, s := range parsePrometheusText(data) {
		if s.labels.acceleratorID == "" {
			continue
		}
		index, ok := chipIndex(s.labels.acceleratorID)
		if !ok {
			continue
		}

		var partial model.TPUInfo
		switch s.name {
		case metricTensorCoreUtil:
			partial.TensorCoreUtilization = s.value
		case metricMemBandwidth:
			partial.HBMUtilization = s.value
		case metricDutyCycle:
			partial.DutyCycle = s.value
		case metricMemoryUsed:
			partial.MemoryUsed = s.value
		case metricMemoryTotal:
			partial.MemoryTotal = s.value
		default:
			continue
		}

		chip, ok := chips[index]
		if !ok {
			chip = &model.TPUInfo{
				Index:       index,
				Name:        s.labels.acceleratorID,
				TPUType:     s.labels.model,
				TPUTopology: s.labels.topology,
			}
			chips[index] = chip
		}
		merge(chip, partial)
	}

	result := make([]model.TPUInfo, 0, len(chips))
	for _, c := range chips {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result
}

// merge adds the numeric fields of src into dst.
func merge(dst *model.TPUInfo, src model.TPUInfo) {
	dst.TensorCoreUtilization += src.TensorCoreUtilization
	dst.HBMUtilization += src.HBMUtilization
	dst.DutyCycle += src.DutyCycle
	dst.MemoryUsed += src.MemoryUsed
	dst.MemoryTotal += src.MemoryTotal
}

// chipIndex extracts the chip index from an accelerator id "<slice>-<index>".
func chipIndex(acceleratorID string) (int, bool) {
	parts := strings.Split(acceleratorID, "-")
	if len(parts) < 2 {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// parsePrometheusText parses Prometheus exposition text format line-by-line,
// extracting metric samples with their labels and values.
func parsePrometheusText(data []byte) []parsedSample {
	var samples []parsedSample
	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		s, ok := parseSampleLine(line)
		if !ok {
			continue
		}
		samples = append(samples, s)
	}

	return samples
}

// parseSampleLine parses a single Prometheus metric line:
//
//	metric_name{label1="val1",label2="val2"} value [timestamp]
//
// Lines without labels cannot name a chip and are rejected.
func parseSampleLine(line string) (parsedSample, bool) {
	var s parsedSample

	braceStart := strings.IndexByte(line, '{')
	if braceStart < 0 {
		return s, false
	}
	s.name = line[:braceStart]

	braceEnd := strings.LastIndexByte(line, '}')
	if braceEnd <= braceStart {
		return s, false
	}

	s.labels = parseLabels(line[braceStart+1 : braceEnd])

	parts := strings.Fields(line[braceEnd+1:])
	if len(parts) == 0 {
		return s, false
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return s, false
	}
	s.value = v

	return s, true
}

// parseLabels parses the label portion of a Prometheus metric line:
//
//	label1="val1",label2="val2"
//
// It handles escaped characters within quoted label values.
func parseLabels(s string) tpuLabels {
	var l tpuLabels
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		if len(s) == 0 || s[0] != '"' {
			break
		}
		s = s[1:]

		// Read value until unescaped closing quote
		var val strings.Builder
		i := 0
		for i < len(s) {
			if s[i] == '\\' && i+1 < len(s) {
				switch s[i+1] {
				case '"':
					val.WriteByte('"')
				case '\\':
					val.WriteByte('\\')
				case 'n':
					val.WriteByte('\n')
				default:
					val.WriteByte('\\')
					val.WriteByte(s[i+1])
				}
				i += 2
				continue
			}
			if s[i] == '"' {
				break
			}
			val.WriteByte(s[i])
			i++
		}

		value := val.String()
		if i < len(s) {
			s = s[i+1:]
		} else {
			s = ""
		}
		if len(s) > 0 && s[0] == ',' {
			s = s[1:]
		}

		switch key {
		case "accelerator_id":
			l.acceleratorID = value
		case "model":
			l.model = value
		case "tpu_topology":
			l.topology = value
		}
	}
	return l
}
