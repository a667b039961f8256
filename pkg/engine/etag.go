// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// computeListETag implements the weak ETag algorithm from spec §6: fold
// every row's process_id bytes and the IEEE-754 double encoding of its
// last_modified_at (as seconds since epoch) into one CRC32 checksum,
// feeding rows in list order. This mirrors the original's use of
// zlib.crc32 over process_id.bytes + struct.pack("d", ts), accumulated
// across rows via crc32.Update-equivalent chaining rather than per-row
// independent checksums, so reordering the list changes the ETag.
func computeListETag(processes []*Process) string {
	crc := crc32.NewIEEE()
	for _, p := range processes {
		var buf [8]byte
		crc.Write(p.ID[:])
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(rowTimestampSeconds(p.LastModifiedAt)))
		crc.Write(buf[:])
	}
	return fmt.Sprintf(`W/"%08x"`, crc.Sum32())
}
