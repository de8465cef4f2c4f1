// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assignment places new participants into a study condition and
// gives them an essay topic.
package assignment

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/AleutianAI/essaylab/services/study/config"
	"github.com/AleutianAI/essaylab/services/study/session"
)

var (
	ErrUnknownCondition = errors.New("unknown condition")
	ErrUnknownPrompt    = errors.New("unknown prompt id")
)

// Forced pins the condition or topic, as when a researcher links a
// participant into a specific arm. Zero values mean "choose randomly".
type Forced struct {
	Condition int
	PromptID  string
}

// Assigner draws conditions by weight and topics uniformly.
//
// # Thread Safety
//
// Safe for concurrent use; the random source is guarded.
type Assigner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns an Assigner drawing from rng. A nil rng is seeded randomly.
func New(rng *rand.Rand) *Assigner {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Assigner{rng: rng}
}

// Assign chooses a condition and topic from study, honoring forced.
func (a *Assigner) Assign(study config.StudyConfig, forced Forced) (session.Assignment, error) {
	var out session.Assignment

	if forced.Condition != 0 {
		if _, ok := study.Condition(forced.Condition); !ok {
			return out, fmt.Errorf("%w: %d", ErrUnknownCondition, forced.Condition)
		}
		out.Condition = forced.Condition
	} else {
		c, err := a.pickCondition(study.Conditions)
		if err != nil {
			return out, err
		}
		out.Condition = c
	}

	if forced.PromptID != "" {
		if _, ok := study.Topics[forced.PromptID]; !ok {
			return out, fmt.Errorf("%w: %s", ErrUnknownPrompt, forced.PromptID)
		}
		out.PromptID = forced.PromptID
	} else {
		p, err := a.pickPrompt(study.Topics)
		if err != nil {
			return out, err
		}
		out.PromptID = p
	}
	return out, nil
}

func (a *Assigner) pickCondition(conditions []config.Condition) (int, error) {
	var total float64
	for _, c := range conditions {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		return 0, errors.New("no condition has a positive weight")
	}

	a.mu.Lock()
	x := a.rng.Float64() * total
	a.mu.Unlock()

	last := 0
	for _, c := range conditions {
		if c.Weight <= 0 {
			continue
		}
		last = c.ID
		if x < c.Weight {
			return c.ID, nil
		}
		x -= c.Weight
	}
	// Rounding can leave x just past the final bucket.
	return last, nil
}

func (a *Assigner) pickPrompt(topics map[string]string) (string, error) {
	if len(topics) == 0 {
		return "", errors.New("no topics configured")
	}
	ids := make([]string, 0, len(topics))
	for id := range topics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	a.mu.Lock()
	i := a.rng.IntN(len(ids))
	a.mu.Unlock()
	return ids[i], nil
}
