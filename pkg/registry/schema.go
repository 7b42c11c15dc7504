// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package registry

// registrySchema guards registry.json against hand-edits that would corrupt
// the roster. Unknown extra fields are tolerated.
const registrySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "agents"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "agents": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id", "name", "role", "model_tier", "status"],
        "properties": {
          "id": {"type": "string", "pattern": "^agt-[0-9a-f]{12}$"},
          "name": {"type": "string", "minLength": 1},
          "role": {"type": "string", "minLength": 1},
          "system_prompt": {"type": "string"},
          "model_tier": {"enum": ["haiku", "sonnet", "opus"]},
          "status": {"enum": ["idle", "active", "paused", "archived"]},
          "parent_agent": {"type": "string"},
          "is_team_member": {"type": "boolean"},
          "skill_ids": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`
