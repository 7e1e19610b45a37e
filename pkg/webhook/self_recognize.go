/*
Copyright 2024 The Drainhold Authors.

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

// Package webhook implements the admission intercept layer: validating
// handlers for DELETE of a Pod and CREATE of a Pod's eviction subresource.
package webhook

import (
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// IsSelfRequest reports whether the admission request was issued by the
// controller's own service account. The executor's final DELETE and
// Eviction calls hit the same webhooks; recognizing ourselves is what breaks
// the recursion.
func IsSelfRequest(req admission.Request, selfUsername string) bool {
	return selfUsername != "" && req.UserInfo.Username == selfUsername
}
