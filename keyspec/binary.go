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

package keyspec

import (
	"github.com/RIFTIO/RIFT.ware-sub013/utils"
	"github.com/pkg/errors"
)

// plain strips the binary marshaler methods so the codec walks the struct fields.
type plain Keyspec

// MarshalBinary implements encoding.BinaryMarshaler using the msgpack codec.
func (ks *Keyspec) MarshalBinary() (data []byte, err error) {
	buf, err := utils.EncodeMsgPack((*plain)(ks))
	if err != nil {
		err = errors.Wrap(err, "encode keyspec failed")
		return
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (ks *Keyspec) UnmarshalBinary(data []byte) (err error) {
	var p plain
	if err = utils.DecodeMsgPack(data, &p); err != nil {
		return errors.Wrap(err, "decode keyspec failed")
	}
	*ks = Keyspec(p)
	return
}
