/*
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

package messages

import (
	"encoding/json"
	"fmt"
)

var parsers = map[Action]func([]byte) (Message, error){
	ActionReserve:        unmarshalInto[Reserve],
	ActionCancel:         unmarshalInto[Cancel],
	ActionExtend:         unmarshalInto[Extend],
	ActionEnableJupyter:  unmarshalInto[EnableJupyter],
	ActionDisableJupyter: unmarshalInto[DisableJupyter],
	ActionAddUser:        unmarshalInto[AddUser],
	ActionDiskCreate:     unmarshalInto[DiskCreate],
	ActionDiskDelete:     unmarshalInto[DiskDelete],
}

// Parse decodes a raw message body into its typed form, keyed on the
// top-level action field.
func Parse(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("message body is empty")
	}
	md := Metadata{}
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("unmarshaling the message as Metadata, %w", err)
	}
	parse, ok := parsers[md.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", md.Action)
	}
	msg, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s message, %w", md.Action, err)
	}
	return msg, nil
}

func unmarshalInto[T Message](raw []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
