/*
 * Copyright 2025 tomoncle.
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

// Package uow implements sessions: a unit of work that tracks entities in
// an identity map and flushes pending inserts, updates and deletes in one
// engine transaction at commit.
//
// A session holds one pooled handle from Open until Close. Reads run on
// that handle directly, so they see committed data only; the transaction
// is begun by Commit.
package uow
