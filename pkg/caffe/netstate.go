// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe

import "slices"

// NetState is the state of a network used to select which layers are included.
type NetState struct {
	Phase Phase
	Level int32
	Stage []string
}

// InferenceState is the state used for inference: TEST phase, level 0 and no stages.
var InferenceState = NetState{Phase: PhaseTest}

// Meets returns whether the state satisfies the rule: all of the rule's conditions must hold.
func (s NetState) Meets(rule *NetStateRule) bool {
	if rule.Phase != nil && *rule.Phase != s.Phase {
		return false
	}
	if rule.MinLevel != nil && s.Level < *rule.MinLevel {
		return false
	}
	if rule.MaxLevel != nil && s.Level > *rule.MaxLevel {
		return false
	}
	for _, stage := range rule.Stage {
		if !slices.Contains(s.Stage, stage) {
			return false
		}
	}
	for _, stage := range rule.NotStage {
		if slices.Contains(s.Stage, stage) {
			return false
		}
	}
	return true
}

// IncludedIn returns whether the layer is part of the network in the given state.
//
// A layer without include rules is included unless it meets one of its exclude rules. A layer with include
// rules is included if it meets any of them.
func (l *LayerParameter) IncludedIn(state NetState) bool {
	included := len(l.Include) == 0
	for _, rule := range l.Exclude {
		if state.Meets(rule) {
			included = false
			break
		}
	}
	for _, rule := range l.Include {
		if state.Meets(rule) {
			included = true
			break
		}
	}
	return included
}
