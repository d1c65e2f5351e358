/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"errors"
	"fmt"
)

// Stage is one individually persisted step of a transfer.
type Stage string

const (
	StageCollectingAndTransferring   Stage = "collecting_and_transferring"
	StageSettingPostTransferMetadata Stage = "setting_post_transfer_metadata"
	StageDone                        Stage = "done"
	StageRejected                    Stage = "rejected"

	InitialStage = StageCollectingAndTransferring
)

// ErrUnknownStage marks a stage value outside the fixed stage set. Reaching it is a programming error.
var ErrUnknownStage = errors.New("unknown transfer stage")

// ErrTerminalStage is returned when asking for the successor of a terminal stage.
var ErrTerminalStage = errors.New("terminal transfer stage has no next stage")

// NonTerminalStages lists the working stages in execution order.
var NonTerminalStages = []Stage{
	StageCollectingAndTransferring,
	StageSettingPostTransferMetadata,
}

// ParseStage converts a persisted value back into a Stage.
func ParseStage(value string) (Stage, error) {
	s := Stage(value)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, value)
	}
	return s, nil
}

func (s Stage) IsValid() bool {
	switch s {
	case StageCollectingAndTransferring, StageSettingPostTransferMetadata, StageDone, StageRejected:
		return true
	}
	return false
}

func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageRejected
}

// Next returns the stage that follows s. It is total over the non-terminal stages.
func (s Stage) Next() (Stage, error) {
	switch s {
	case StageCollectingAndTransferring:
		return StageSettingPostTransferMetadata, nil
	case StageSettingPostTransferMetadata:
		return StageDone, nil
	case StageDone, StageRejected:
		return "", fmt.Errorf("%w: %q", ErrTerminalStage, s)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

// Order is the position of s in the stage sequence; terminal stages sort last.
func (s Stage) Order() int {
	switch s {
	case StageCollectingAndTransferring:
		return 0
	case StageSettingPostTransferMetadata:
		return 1
	case StageDone, StageRejected:
		return 2
	}
	return -1
}
