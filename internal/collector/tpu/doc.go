// Package tpu samples Cloud TPU chips through the TPU device plugin.
//
// The device plugin serves Prometheus-format metrics where every sample
// carries exactly one chip figure (tensorcore utilization, memory bandwidth
// utilization, duty cycle, memory used or memory total) and an
// accelerator_id label of the form "<slice id>-<chip index>". Samples that
// share a chip index are summed field by field into one model.TPUInfo, so the
// result does not depend on sample order.
package tpu
