// Package topology derives relationship edges between cluster objects.
//
// The Graph keeps the latest revision of Services, Ingresses, workloads,
// HorizontalPodAutoscalers and controller-owned ReplicaSets and Jobs, fed
// by the collector's informers. Edges are computed on demand:
//
//   - exposes: Service to each workload whose pod template labels match its selector
//   - routes-to: Ingress to each backend Service
//   - uses: workload to each ConfigMap and Secret referenced by volumes, env or envFrom
//   - configures: HorizontalPodAutoscaler to its scale target
//   - manages: controller owner to owned ReplicaSet or Job
//
// Only the exposes edge needs both ends to be known; the others name their
// target directly and are emitted even when it has not been seen.
package topology
