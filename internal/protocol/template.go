package protocol

// Template is printed by `jobdist template`. It compiles against the
// built-in registry.
const Template = `# jobdist protocol
#
# filters: named filters, referenced by name from movers
# movers:  named movers; "type" picks the registered mover, every other key
#          is a parameter
# protocol: mover names applied in order; the first failure stops the job
#
# Run "jobdist info" for the registered types and "jobdist info <Type>" for
# one type's parameters.

filters:
  good_enough:
    type: ScoreThreshold
    term: total
    threshold: -10
    lower_is_better: true
  accepted:
    type: ContingentFilter

movers:
  perturb:
    type: PerturbScore
    term: total
    step: 1.5
    seed: 7
  metropolis:
    type: MonteCarloTest
    mover: perturb
    filter: good_enough
    temperature: 0.8
  search:
    type: LoopOver
    mover: metropolis
    filter: good_enough
    iterations: 200
    policy: drift
    exhausted_status: fail_retry
  mark:
    type: SetContingent
    mover: search
    filter: accepted
  tag_done:
    type: AddTag
    tag: converged
  branch:
    type: If
    filter: accepted
    then: tag_done

protocol:
  - mark
  - branch
`
