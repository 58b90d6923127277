/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dts

import (
	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/evtbus"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
)

// State returns the bootstrap state of the member process.
func (b *Bus) State() types.State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// SetState advances the bootstrap state by one step: INIT, REGN_COMPLETE, CONFIG, RUN.
func (b *Bus) SetState(s types.State) error {
	b.stateMu.Lock()
	if b.state == types.StateNull || b.state == types.StateRun || s != b.state+1 {
		defer b.stateMu.Unlock()
		return errors.Wrapf(types.ErrInvalidStateTransition, "%s -> %s", b.state, s)
	}
	b.state = s
	b.stateMu.Unlock()

	b.entered(s)
	return nil
}

// entered runs outside stateMu so callbacks may query or advance the state.
func (b *Bus) entered(s types.State) {
	log.WithField("state", s.String()).Info("bus state entered")
	if b.stateCb != nil {
		b.stateCb(b, s)
	}
	b.events.Publish(evtbus.TopicState, s)
}
